package schema

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// RuleKind distinguishes presence checks from boolean assertions.
type RuleKind string

const (
	RuleRequire RuleKind = "require"
	RuleAssert  RuleKind = "assert"
)

// Rule is one compiled check of a schema.
type Rule struct {
	Kind    RuleKind
	Expr    string
	Message string

	compiled *xpath.Expr
	// xpath.Expr.Evaluate keeps iterator state inside the expression.
	mu sync.Mutex
}

// Compiled is an immutable, ready-to-evaluate schema.
type Compiled struct {
	Version   string
	Root      string
	Namespace string
	Rules     []*Rule
}

// Compile parses a schema document of the form
//
//	<schema version="2.1" root="Invoice" namespace="urn:example:invoice">
//	  <require path="/Invoice/Header/InvoiceNumber" message="invoice number is required"/>
//	  <assert test="count(//Line) &gt; 0" message="at least one line item"/>
//	</schema>
//
// and compiles every expression once.
func Compile(raw []byte) (*Compiled, error) {
	if err := guardEntities(raw); err != nil {
		return nil, err
	}
	doc, err := xmlquery.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	root := rootElement(doc)
	if root == nil || root.Data != "schema" {
		return nil, errors.New("schema: root element must be <schema>")
	}

	compiled := &Compiled{
		Version:   strings.TrimSpace(root.SelectAttr("version")),
		Root:      strings.TrimSpace(root.SelectAttr("root")),
		Namespace: strings.TrimSpace(root.SelectAttr("namespace")),
	}

	var errs []error
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != xmlquery.ElementNode {
			continue
		}
		rule, err := compileRule(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled.Rules = append(compiled.Rules, rule)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return compiled, nil
}

func compileRule(n *xmlquery.Node) (*Rule, error) {
	rule := &Rule{Kind: RuleKind(n.Data), Message: strings.TrimSpace(n.SelectAttr("message"))}
	switch rule.Kind {
	case RuleRequire:
		rule.Expr = strings.TrimSpace(n.SelectAttr("path"))
	case RuleAssert:
		rule.Expr = strings.TrimSpace(n.SelectAttr("test"))
	default:
		return nil, fmt.Errorf("schema: unknown rule <%s>", n.Data)
	}
	if rule.Expr == "" {
		return nil, fmt.Errorf("schema: <%s> has no expression", n.Data)
	}
	expr, err := xpath.Compile(rule.Expr)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %q: %w", rule.Expr, err)
	}
	rule.compiled = expr
	if rule.Message == "" {
		if rule.Kind == RuleRequire {
			rule.Message = "missing " + rule.Expr
		} else {
			rule.Message = "assertion failed: " + rule.Expr
		}
	}
	return rule, nil
}

// check reports whether the rule holds for the document rooted at root.
func (r *Rule) check(root *xmlquery.Node) bool {
	if r.Kind == RuleRequire {
		return xmlquery.QuerySelector(root, r.compiled) != nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return truthy(r.compiled.Evaluate(xmlquery.CreateXPathNavigator(root)))
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0 && !math.IsNaN(val)
	case string:
		return val != ""
	case *xpath.NodeIterator:
		return val.MoveNext()
	default:
		return false
	}
}

// Evaluate runs every rule against root and returns the messages of the violated ones.
func (c *Compiled) Evaluate(doc *Document) []string {
	var reasons []string
	if c.Root != "" && doc.RootName != c.Root {
		reasons = append(reasons, fmt.Sprintf("root element <%s> does not match expected <%s>", doc.RootName, c.Root))
	}
	if c.Namespace != "" && doc.Namespace != c.Namespace {
		reasons = append(reasons, fmt.Sprintf("namespace %q does not match expected %q", doc.Namespace, c.Namespace))
	}
	for _, rule := range c.Rules {
		if !rule.check(doc.node) {
			reasons = append(reasons, rule.Message)
		}
	}
	return reasons
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}
