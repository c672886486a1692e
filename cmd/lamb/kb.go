package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// KBCmd groups the knowledge-base admin subcommands. They talk to a
// running gateway over its HTTP API.
type KBCmd struct {
	Server string `help:"Gateway base URL." default:"http://localhost:9099" env:"LAMB_SERVER"`
	APIKey string `help:"Gateway API key." env:"API_KEY"`

	List       KBListCmd       `cmd:"" help:"List collections."`
	Get        KBGetCmd        `cmd:"" help:"Show one collection."`
	Create     KBCreateCmd     `cmd:"" help:"Create a collection."`
	Update     KBUpdateCmd     `cmd:"" help:"Update a collection's visibility."`
	Delete     KBDeleteCmd     `cmd:"" help:"Delete a collection."`
	Share      KBShareCmd      `cmd:"" help:"Make a collection public."`
	Upload     KBUploadCmd     `cmd:"" help:"Upload and ingest a file."`
	Ingest     KBIngestCmd     `cmd:"" help:"Run a no-upload ingestion plugin (URLs, transcripts)."`
	Query      KBQueryCmd      `cmd:"" help:"Query a collection."`
	DeleteFile KBDeleteFileCmd `cmd:"" name:"delete-file" help:"Delete a file from a collection."`
	Plugins    KBPluginsCmd    `cmd:"" help:"List available plugins."`
}

// request performs one API call and prints the JSON response. Any non-2xx
// status comes back as an error, so the process exits non-zero.
func (k *KBCmd) request(method, path string, body io.Reader, contentType string) error {
	req, err := http.NewRequest(method, k.Server+path, body)
	if err != nil {
		return err
	}
	if k.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+k.APIKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	return nil
}

func (k *KBCmd) requestJSON(method, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return k.request(method, path, bytes.NewReader(raw), "application/json")
}

func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return params, nil
}

type KBListCmd struct {
	Owner string `help:"Filter by owner email."`
}

func (c *KBListCmd) Run(kb *KBCmd) error {
	path := "/collections"
	if c.Owner != "" {
		path += "?owner=" + c.Owner
	}
	return kb.request("GET", path, nil, "")
}

type KBGetCmd struct {
	Collection int64 `arg:"" help:"Collection id."`
}

func (c *KBGetCmd) Run(kb *KBCmd) error {
	return kb.request("GET", fmt.Sprintf("/collections/%d", c.Collection), nil, "")
}

type KBCreateCmd struct {
	Name   string `arg:"" help:"Collection name."`
	Owner  string `required:"" help:"Owner email."`
	Setup  string `help:"Named embeddings setup from the owner's organization config."`
	Config string `help:"Inline embeddings config as JSON (legacy mode)."`
	Public bool   `help:"Create with public visibility."`
}

func (c *KBCreateCmd) Run(kb *KBCmd) error {
	payload := map[string]any{
		"name":  c.Name,
		"owner": c.Owner,
	}
	if c.Public {
		payload["visibility"] = "public"
	}
	if c.Setup != "" {
		payload["embeddings_setup"] = c.Setup
	}
	if c.Config != "" {
		payload["embeddings_config"] = json.RawMessage(c.Config)
	}
	return kb.requestJSON("POST", "/collections", payload)
}

type KBUpdateCmd struct {
	Collection int64  `arg:"" help:"Collection id."`
	Visibility string `required:"" enum:"private,public" help:"New visibility."`
}

func (c *KBUpdateCmd) Run(kb *KBCmd) error {
	return kb.requestJSON("PUT", fmt.Sprintf("/collections/%d", c.Collection),
		map[string]string{"visibility": c.Visibility})
}

type KBDeleteCmd struct {
	Collection int64 `arg:"" help:"Collection id."`
}

func (c *KBDeleteCmd) Run(kb *KBCmd) error {
	return kb.request("DELETE", fmt.Sprintf("/collections/%d", c.Collection), nil, "")
}

// KBShareCmd is shorthand for update --visibility public.
type KBShareCmd struct {
	Collection int64 `arg:"" help:"Collection id."`
}

func (c *KBShareCmd) Run(kb *KBCmd) error {
	return kb.requestJSON("PUT", fmt.Sprintf("/collections/%d", c.Collection),
		map[string]string{"visibility": "public"})
}

type KBUploadCmd struct {
	Collection int64  `arg:"" help:"Collection id."`
	File       string `arg:"" type:"existingfile" help:"File to ingest."`
	Plugin     string `help:"Ingestion plugin name." default:"simple_ingest"`
	Params     string `help:"Plugin parameters as a JSON object."`
}

func (c *KBUploadCmd) Run(kb *KBCmd) error {
	file, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer file.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filepath.Base(c.File))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := form.WriteField("plugin_name", c.Plugin); err != nil {
		return err
	}
	if c.Params != "" {
		if _, err := parseParams(c.Params); err != nil {
			return err
		}
		if err := form.WriteField("plugin_params", c.Params); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return err
	}

	return kb.request("POST", fmt.Sprintf("/collections/%d/ingest-file", c.Collection),
		&buf, form.FormDataContentType())
}

type KBIngestCmd struct {
	Collection int64  `arg:"" help:"Collection id."`
	Plugin     string `required:"" help:"Ingestion plugin name (url_ingest, youtube_transcript_ingest, ...)."`
	Params     string `help:"Plugin parameters as a JSON object."`
}

func (c *KBIngestCmd) Run(kb *KBCmd) error {
	params, err := parseParams(c.Params)
	if err != nil {
		return err
	}
	return kb.requestJSON("POST", fmt.Sprintf("/collections/%d/ingest-base", c.Collection),
		map[string]any{"plugin_name": c.Plugin, "plugin_params": params})
}

type KBQueryCmd struct {
	Collection int64   `arg:"" help:"Collection id."`
	Text       string  `arg:"" help:"Query text."`
	Plugin     string  `help:"Query plugin name." default:"simple_query"`
	TopK       int     `name:"top-k" help:"Number of results." default:"3"`
	Threshold  float64 `help:"Minimum similarity." default:"0"`
	Params     string  `help:"Extra plugin parameters as a JSON object."`
}

func (c *KBQueryCmd) Run(kb *KBCmd) error {
	params, err := parseParams(c.Params)
	if err != nil {
		return err
	}
	return kb.requestJSON("POST", fmt.Sprintf("/collections/%d/query", c.Collection), map[string]any{
		"query_text":    c.Text,
		"plugin_name":   c.Plugin,
		"top_k":         c.TopK,
		"threshold":     c.Threshold,
		"plugin_params": params,
	})
}

type KBDeleteFileCmd struct {
	Collection int64  `arg:"" help:"Collection id."`
	FileID     string `arg:"" help:"File registry id."`
	Hard       bool   `help:"Remove the stored file and the registry row too."`
}

func (c *KBDeleteFileCmd) Run(kb *KBCmd) error {
	path := fmt.Sprintf("/collections/%d/files/%s", c.Collection, c.FileID)
	if c.Hard {
		path += "?hard=true"
	}
	return kb.request("DELETE", path, nil, "")
}

type KBPluginsCmd struct{}

func (c *KBPluginsCmd) Run(kb *KBCmd) error {
	if err := kb.request("GET", "/ingestion-plugins", nil, ""); err != nil {
		return err
	}
	return kb.request("GET", "/query-plugins", nil, "")
}
