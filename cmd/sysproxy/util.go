package main

import (
	"encoding/json"
	"io"

	"github.com/hackmanhattan/hmbot/pkg/client"
)

func newAPIClient(f APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Token: f.Token, Timeout: f.APITimeout, RetryMax: 2})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
