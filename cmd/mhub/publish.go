package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	var (
		dataJSON string
		headers  []string
		keep     bool
	)

	cmd := &cobra.Command{
		Use:   "publish <node> <topic>",
		Short: "Publish a message to a broker node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, topic := args[0], args[1]

			var data interface{}
			if dataJSON != "" {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(dataJSON), &raw); err != nil {
					// Not valid JSON: publish it as a string.
					raw, _ = json.Marshal(dataJSON)
				}
				data = raw
			}

			headerMap, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if keep {
				if headerMap == nil {
					headerMap = map[string]interface{}{}
				}
				headerMap["keep"] = true
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Publish(ctx, node, topic, data, headerMap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s published %s to %s\n",
				color.GreenString("✓"), color.CyanString(topic), node)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataJSON, "data", "", "message data as JSON (invalid JSON is sent as a string)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "message header as key=value (repeatable)")
	cmd.Flags().BoolVar(&keep, "keep", false, "set the keep header (retained by HeaderStore nodes)")
	return cmd
}

// parseHeaders converts key=value pairs; values true/false become booleans.
func parseHeaders(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		switch value {
		case "true":
			out[key] = true
		case "false":
			out[key] = false
		default:
			out[key] = value
		}
	}
	return out, nil
}
