package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"solarfarm/internal/farm"
)

const maxBodyBytes = 4 << 10

const (
	userIDSchema = `{"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9_:.-]+$"}`
	typeIDSchema = `{"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[a-z0-9_-]+$"}`
)

var (
	userSchema = jsonschema.MustCompileString("user.schema.json", `{
		"type": "object",
		"required": ["userId"],
		"additionalProperties": false,
		"properties": {"userId": `+userIDSchema+`}
	}`)
	purchaseSchema = jsonschema.MustCompileString("purchase.schema.json", `{
		"type": "object",
		"required": ["userId", "typeId"],
		"additionalProperties": false,
		"properties": {"userId": `+userIDSchema+`, "typeId": `+typeIDSchema+`}
	}`)
	convertSchema = jsonschema.MustCompileString("convert.schema.json", `{
		"type": "object",
		"required": ["userId", "energy"],
		"additionalProperties": false,
		"properties": {
			"userId": `+userIDSchema+`,
			"energy": {"type": "number", "exclusiveMinimum": 0}
		}
	}`)
)

type userRequest struct {
	UserID string `json:"userId"`
}

type purchaseRequest struct {
	UserID string `json:"userId"`
	TypeID string `json:"typeId"`
}

type convertRequest struct {
	UserID string  `json:"userId"`
	Energy float64 `json:"energy"`
}

// decodeBody reads a JSON body, validates it against schema and decodes it
// into dst. Anything the schema does not describe is rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("%w: content type %q", farm.ErrInvalidInput, ct)
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: body exceeds %d bytes", farm.ErrInvalidInput, maxBodyBytes)
		}
		return fmt.Errorf("%w: read body: %v", farm.ErrInvalidInput, err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: malformed json: %v", farm.ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", farm.ErrInvalidInput, schemaMessage(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", farm.ErrInvalidInput, err)
	}
	return nil
}

// userIDFromQuery accepts exactly one userId parameter and nothing else.
func userIDFromQuery(r *http.Request) (string, error) {
	q := r.URL.Query()
	for k := range q {
		if k != "userId" {
			return "", fmt.Errorf("%w: unexpected query parameter %q", farm.ErrInvalidInput, k)
		}
	}
	vals := q["userId"]
	if len(vals) != 1 {
		return "", fmt.Errorf("%w: exactly one userId is required", farm.ErrInvalidInput)
	}
	if err := farm.ValidateUserID(vals[0]); err != nil {
		return "", err
	}
	return vals[0], nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "body"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
