package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gni.dev/dbgapi/internal/dbg/api"
	"gni.dev/dbgapi/internal/logger"
)

func newCallCommand(opts *rootOptions, log *logger.Logger) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "call <request> [key=value...]",
		Short: "Sends one request and prints the result",
		Long: `Sends one request to the server and prints its result as JSON.

Values are parsed as JSON when possible, so numbers, booleans and arrays
keep their type; anything else is sent as a string. Addresses may be
given as hex strings:

  dbgapi call read_memory address=0x401000 length=64
  dbgapi call execute_command 'command=register read'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[0], args[1:])
			if err != nil {
				return err
			}
			c, err := opts.connect(cmd, log)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.SendRequest(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := resp.Err(); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Data)
		},
	}
	return cmd, nil
}

func buildRequest(name string, pairs []string) (*api.Request, error) {
	if len(pairs) == 0 {
		return api.NewRequest(name, nil)
	}
	params := make(map[string]json.RawMessage, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		params[key] = parseValue(value)
	}
	return api.NewRequest(name, params)
}

func parseValue(value string) json.RawMessage {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	b, _ := json.Marshal(value)
	return b
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var out bytes.Buffer
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
