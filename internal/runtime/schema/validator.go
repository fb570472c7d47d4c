package schema

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/drblury/docflow/internal/runtime/document"
	dferrors "github.com/drblury/docflow/internal/runtime/errors"
)

// Document is a parsed inbound XML payload.
type Document struct {
	RootName  string
	Namespace string

	node *xmlquery.Node
}

// Node exposes the parsed tree for batch processors that query it further.
func (d *Document) Node() *xmlquery.Node { return d.node }

// Parse turns payload bytes into a Document. DOCTYPE declarations that define
// entities or reference an external DTD are rejected before the parser runs.
func Parse(payload []byte) (*Document, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, dferrors.ErrEmptyPayload
	}
	if err := guardEntities(payload); err != nil {
		return nil, err
	}
	node, err := xmlquery.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	root := rootElement(node)
	if root == nil {
		return nil, errors.New("parse document: no root element")
	}
	return &Document{RootName: root.Data, Namespace: root.NamespaceURI, node: node}, nil
}

// guardEntities scans the prolog up to the root element.
func guardEntities(payload []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return nil
		case xml.Directive:
			if externalDoctype(string(t)) {
				return dferrors.ErrExternalEntity
			}
		}
	}
}

// externalDoctype reports whether a DOCTYPE directive declares entities or
// references an external identifier. Keywords are matched as whole tokens
// separated by any XML whitespace.
func externalDoctype(directive string) bool {
	upper := strings.ToUpper(directive)
	fields := strings.Fields(upper)
	if len(fields) == 0 || fields[0] != "DOCTYPE" {
		return false
	}
	if strings.Contains(upper, "<!ENTITY") {
		return true
	}
	return slices.ContainsFunc(fields[1:], func(f string) bool {
		return f == "SYSTEM" || f == "PUBLIC"
	})
}

// CheckStructure is the cheap pre-check run before any schema work.
func CheckStructure(msg document.InboundMessage) error {
	var missing []error
	if len(bytes.TrimSpace(msg.Payload)) == 0 {
		missing = append(missing, dferrors.ErrEmptyPayload)
	}
	if strings.TrimSpace(msg.FileName) == "" {
		missing = append(missing, dferrors.ErrMissingFileName)
	}
	if strings.TrimSpace(msg.InterfaceID) == "" {
		missing = append(missing, dferrors.ErrMissingInterfaceID)
	}
	if strings.TrimSpace(msg.ClientID) == "" {
		missing = append(missing, dferrors.ErrMissingClientID)
	}
	if len(missing) == 0 {
		return nil
	}
	return dferrors.NewValidationError(errors.Join(missing...))
}

// Validator checks documents against cached schemas.
type Validator struct {
	cache *Cache
}

// NewValidator returns a Validator resolving schemas through cache. A nil
// cache disables schema checks.
func NewValidator(cache *Cache) *Validator {
	return &Validator{cache: cache}
}

// CheckStructure runs the structural pre-check.
func (v *Validator) CheckStructure(msg document.InboundMessage) error {
	return CheckStructure(msg)
}

// Parse parses payload, reporting failures as validation errors.
func (v *Validator) Parse(payload []byte) (*Document, error) {
	doc, err := Parse(payload)
	if err != nil {
		return nil, dferrors.NewValidationError(err)
	}
	return doc, nil
}

// Validate checks doc against the schema for version. Schema resolution
// failures are returned as *SchemaLoadError; rule violations as a
// *ValidationError listing every violated rule.
func (v *Validator) Validate(ctx context.Context, doc *Document, version string) error {
	if v.cache == nil || version == "" {
		return nil
	}
	compiled, err := v.cache.Get(ctx, version)
	if err != nil {
		return err
	}
	if reasons := compiled.Evaluate(doc); len(reasons) > 0 {
		return dferrors.NewValidationError(nil, reasons...)
	}
	return nil
}

// ValidatePayload parses payload and validates it against version.
func (v *Validator) ValidatePayload(ctx context.Context, payload []byte, version string) (*Document, error) {
	doc, err := v.Parse(payload)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(ctx, doc, version); err != nil {
		return nil, err
	}
	return doc, nil
}

// Enabled reports whether a schema cache is configured.
func (v *Validator) Enabled() bool { return v != nil && v.cache != nil }
