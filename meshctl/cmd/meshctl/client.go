// Copyright 2025 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/monitor/mgmtapi"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// clientFlags are the flags shared by all commands that talk to the
// management API.
type clientFlags struct {
	server  string
	timeout time.Duration
	keyFile string
	json    bool
	noColor bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://127.0.0.1:8282",
		"Base URL of the monitor's management API")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second,
		"Timeout for the API request")
	cmd.Flags().StringVar(&f.keyFile, "auth-key-file", "",
		"File with the hex encoded key for the mutating endpoints")
	cmd.Flags().BoolVar(&f.json, "json", false,
		"Write the raw API response instead of tables")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false,
		"Disable colored output")
}

func (f *clientFlags) colored() bool {
	return !f.noColor && isatty.IsTerminal(os.Stdout.Fd())
}

// client returns an HTTP client. Mutating commands get a Bearer token
// transport when a key file is configured.
func (f *clientFlags) client(ctx context.Context) (*http.Client, error) {
	if f.keyFile == "" {
		return mgmtapi.NewHTTPClient(ctx, nil), nil
	}
	raw, err := os.ReadFile(f.keyFile)
	if err != nil {
		return nil, serrors.Wrap("reading auth key", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, serrors.Wrap("decoding auth key", err, "file", f.keyFile)
	}
	src := &mgmtapi.JWTTokenSource{Subject: "meshctl", Key: key}
	return mgmtapi.NewHTTPClient(ctx, src), nil
}

func (f *clientFlags) url(path string) string {
	return strings.TrimSuffix(f.server, "/") + path
}

// getJSON fetches path and decodes into v. With the json flag set, the raw
// body is copied to stdout instead and v stays untouched.
func (f *clientFlags) getJSON(ctx context.Context, path string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url(path), nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, serrors.Wrap("requesting", err, "url", f.url(path))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	if f.json {
		_, err := io.Copy(os.Stdout, resp.Body)
		return true, err
	}
	return false, json.NewDecoder(resp.Body).Decode(v)
}

// postJSON posts to path with the authorized client and decodes the reply
// into v when non-nil.
func (f *clientFlags) postJSON(ctx context.Context, path string, v any) error {
	c, err := f.client(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return serrors.Wrap("requesting", err, "url", f.url(path))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var p struct {
		Status int    `json:"status"`
		Title  string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Title != "" {
		return serrors.New(p.Title, "status", resp.StatusCode)
	}
	return serrors.New("request failed", "status", resp.StatusCode)
}

// newTable returns a borderless table in the house style.
func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}
