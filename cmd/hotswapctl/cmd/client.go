package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// adminClient is a thin HTTP client for a running runtime's admin
// endpoint.
type adminClient struct {
	base string
	http *http.Client
}

func clientFor(cmd *cobra.Command) (*adminClient, error) {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return nil, err
	}
	return &adminClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// get performs a GET and decodes the JSON response into out.
func (c *adminClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// post sends body as JSON and decodes the response into out.
func (c *adminClient) post(path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var remote struct {
			Error       string `json:"error"`
			FailedPhase string `json:"failedPhase"`
		}
		if json.Unmarshal(raw, &remote) == nil && remote.Error != "" {
			if remote.FailedPhase != "" {
				return fmt.Errorf("%s (failed in phase %s)", remote.Error, remote.FailedPhase)
			}
			return fmt.Errorf("%s", remote.Error)
		}
		return fmt.Errorf("admin endpoint returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// printJSON renders a response for the operator.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
