package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	httpclient "benchboard/internal/cli/http"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "submit",
			Action:       "create",
			Short:        "Enqueue a submission for evaluation",
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/submissions",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "source_ref", Aliases: []string{"ref"}, Prompt: "source_ref (bucket/key)", Type: FieldString, Required: true},
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "user_id", Prompt: "user_id", Type: FieldString},
				{Name: "idempotency_key", Prompt: "idempotency_key", Type: FieldString, In: InHeader, Wire: "Idempotency-Key"},
			},
		},
		{
			Service:      "submit",
			Action:       "upload",
			Short:        "Upload a source file and print its reference",
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/submissions/source",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "file", Aliases: []string{"source_file"}, Prompt: "file path", Type: FieldFile, In: InForm, Required: true},
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, In: InForm, Required: true},
			},
		},
		{
			Service:      "submit",
			Action:       "get",
			Short:        "Show one of your submissions",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/submissions/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldString, In: InPath, Required: true},
			},
		},
		{
			Service:      "leaderboard",
			Action:       "list",
			Short:        "Show the ranking of personal bests",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/leaderboard",
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, In: InQuery},
			},
		},
		{
			Service:      "me",
			Action:       "history",
			Short:        "List your submissions, newest first",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/users/me/submissions",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, In: InQuery},
			},
		},
		{
			Service:      "me",
			Action:       "stats",
			Short:        "Show your personal best and rank",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/users/me/stats",
			RequiresAuth: true,
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// Keys returns the registry keys in order.
func Keys(commands map[string]Command) []string {
	keys := make([]string, 0, len(commands))
	for key := range commands {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BuildRequest renders cmd with params.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	spec := RequestSpec{Method: cmd.Method, Headers: map[string]string{}}
	path := cmd.PathTemplate
	query := url.Values{}
	body := map[string]interface{}{}

	for _, field := range cmd.Fields {
		value := strings.TrimSpace(params.Get(field.Name))
		if value == "" {
			if field.Required {
				return RequestSpec{}, fmt.Errorf("%s is required", field.Name)
			}
			continue
		}
		var typed interface{} = value
		switch field.Type {
		case FieldInt:
			n, err := ParseInt(value)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("invalid %s: %w", field.Name, err)
			}
			typed = n
		case FieldFile:
			if err := checkFile(value); err != nil {
				return RequestSpec{}, err
			}
		}

		switch field.In {
		case InPath:
			path = strings.ReplaceAll(path, ":"+field.wireName(), url.PathEscape(value))
		case InQuery:
			query.Set(field.wireName(), value)
		case InHeader:
			spec.Headers[field.wireName()] = value
		case InForm:
			if field.Type == FieldFile {
				spec.FileField = field.wireName()
				spec.FilePath = value
				continue
			}
			if spec.Form == nil {
				spec.Form = map[string]string{}
			}
			spec.Form[field.wireName()] = value
		default:
			body[field.wireName()] = typed
		}
	}
	if strings.Contains(path, "/:") {
		return RequestSpec{}, fmt.Errorf("missing path parameter in %s", path)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	spec.Path = path

	if spec.FilePath == "" && cmd.Method != http.MethodGet && cmd.Method != http.MethodDelete {
		data, err := json.Marshal(body)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
		}
		spec.Body = data
	}
	return spec, nil
}

// Execute builds and sends cmd.
func Execute(ctx context.Context, client *httpclient.Client, cmd Command, params Params) (httpclient.ResponseInfo, error) {
	spec, err := BuildRequest(cmd, params)
	if err != nil {
		return httpclient.ResponseInfo{}, err
	}
	if spec.FilePath != "" {
		return client.Upload(ctx, spec.Path, spec.Form, spec.FileField, spec.FilePath)
	}
	return client.Do(ctx, spec.Method, spec.Path, spec.Headers, spec.Body)
}
