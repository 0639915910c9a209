package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/c360studio/semmission/api"
	"github.com/c360studio/semmission/mission"
)

// schemaTypes maps schema names to the wire types they describe.
var schemaTypes = map[string]any{
	"event":               mission.Event{},
	"state":               mission.StreamState{},
	"start-request":       mission.StartRequest{},
	"decision":            api.DecisionRequest{},
	"status":              api.MissionStatus{},
	"started":             mission.StartedPayload{},
	"phase":               mission.StatusPayload{},
	"experts":             mission.ExpertsSelectedPayload{},
	"round":               mission.RoundPayload{},
	"expert-response":     mission.ExpertResponse{},
	"consensus":           mission.ConsensusState{},
	"checkpoint-reached":  mission.CheckpointReachedPayload{},
	"checkpoint-resolved": mission.CheckpointResolvedPayload{},
	"synthesis":           mission.SynthesisPayload{},
	"completed":           mission.CompletedPayload{},
	"control":             mission.ControlPayload{},
	"deliverable":         mission.Deliverable{},
	"error":               mission.ErrorPayload{},
	"snapshot":            mission.SnapshotPayload{},
}

func schemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for name := range schemaTypes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// generateSchema reflects the JSON schema of a named wire type.
func generateSchema(name string) ([]byte, error) {
	v, ok := schemaTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q (one of: %s)", name, strings.Join(schemaNames(), ", "))
	}
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	return json.MarshalIndent(schema, "", "  ")
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [name]",
		Short: "Print the JSON schema of a wire type",
		Long:  "Print the JSON schema of a stream event, payload or command body. Without a name, list the available schemas.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, name := range schemaNames() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			data, err := generateSchema(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
