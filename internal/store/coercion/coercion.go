// Package coercion rewrites incoming attributes with per remote AE Lua scripts.
//
// A script defines coerce(attributes, params) and returns the attributes to store. attributes maps
// tags like "(0010,0010)" to tables {vr = "PN", values = {...}}. Dropping a key removes the attribute.
// params carries date, time, calling and called plus the configured parameters.
package coercion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const coerceFunctionName = "coerce"

var errCoerceFunctionNotFound = errors.New("coerce function " + coerceFunctionName + " not found in Lua code")
var errInvalidResult = errors.New("coerce function must return a table")

type Interceptor struct {
	tracer trace.Tracer
}

func NewInterceptor() *Interceptor {
	return &Interceptor{tracer: otel.Tracer("internal/store/coercion")}
}

// Validate runs script once against an empty dataset.
func Validate(script string) error {
	_, err := Coerce(script, dataset.New(), map[string]string{})
	return err
}

func newState() *lua.State {
	L := lua.NewState()
	lua.Require(L, "_G", lua.BaseOpen, true)
	L.Pop(1)
	lua.Require(L, "table", lua.TableOpen, true)
	L.Pop(1)
	lua.Require(L, "string", lua.StringOpen, true)
	L.Pop(1)
	lua.Require(L, "math", lua.MathOpen, true)
	L.Pop(1)
	return L
}

func pushAttributes(L *lua.State, ds *dataset.Dataset) {
	L.NewTable()
	for _, e := range ds.Elements() {
		if len(e.Bytes) > 0 {
			continue
		}
		L.NewTable()
		L.PushString(e.VR)
		L.SetField(-2, "vr")
		L.NewTable()
		for i, v := range e.Values {
			L.PushString(v)
			L.RawSetInt(-2, i+1)
		}
		L.SetField(-2, "values")
		L.SetField(-2, e.Tag.String())
	}
}

func pushParams(L *lua.State, params map[string]string) {
	L.NewTable()
	for k, v := range params {
		L.PushString(v)
		L.SetField(-2, k)
	}
}

func parseTag(key string) (dataset.Tag, error) {
	var group, element uint16
	if _, err := fmt.Sscanf(strings.ToUpper(key), "(%4X,%4X)", &group, &element); err != nil {
		return 0, fmt.Errorf("invalid tag %q: %w", key, err)
	}
	return dataset.NewTag(group, element), nil
}

// readElement reads the element table on top of the stack.
func readElement(L *lua.State, tag dataset.Tag) (*dataset.Element, error) {
	if !L.IsTable(-1) {
		return nil, fmt.Errorf("attribute %s is not a table", tag)
	}
	e := &dataset.Element{Tag: tag, Values: []string{}}
	L.Field(-1, "vr")
	e.VR, _ = L.ToString(-1)
	L.Pop(1)
	L.Field(-1, "values")
	if L.IsTable(-1) {
		n := L.RawLength(-1)
		for i := 1; i <= n; i++ {
			L.RawGetInt(-1, i)
			v, _ := L.ToString(-1)
			e.Values = append(e.Values, v)
			L.Pop(1)
		}
	}
	L.Pop(1)
	return e, nil
}

// Coerce runs script on ds and returns the coerced copy. Binary elements pass through untouched.
func Coerce(script string, ds *dataset.Dataset, params map[string]string) (*dataset.Dataset, error) {
	L := newState()
	if err := lua.DoString(L, script); err != nil {
		return nil, err
	}
	L.Global(coerceFunctionName)
	if !L.IsFunction(-1) {
		return nil, errCoerceFunctionNotFound
	}
	pushAttributes(L, ds)
	pushParams(L, params)
	if err := L.ProtectedCall(2, 1, 0); err != nil {
		return nil, err
	}
	if !L.IsTable(-1) {
		return nil, errInvalidResult
	}

	coerced := dataset.New()
	for _, e := range ds.Elements() {
		if len(e.Bytes) > 0 {
			coerced.SetElement(e)
		}
	}
	L.PushNil()
	for L.Next(-2) {
		key, ok := L.ToString(-2)
		if !ok {
			L.Pop(2)
			return nil, fmt.Errorf("attribute keys must be strings")
		}
		tag, err := parseTag(key)
		if err != nil {
			L.Pop(2)
			return nil, err
		}
		e, err := readElement(L, tag)
		if err != nil {
			L.Pop(2)
			return nil, err
		}
		coerced.SetElement(e)
		L.Pop(1)
	}
	L.Pop(1)
	return coerced, nil
}

func (ci *Interceptor) UpdateDB(ctx context.Context, sc *store.Context, next store.UpdateFunc) error {
	session := sc.Session
	c := session.AE.Coercion(session.RemoteAET)
	if c == nil {
		return next(ctx, sc)
	}
	_, span := ci.tracer.Start(ctx, "Interceptor.Coerce")
	now := sc.StartedAt
	params := map[string]string{
		"date":    now.Format("20060102"),
		"time":    now.Format("150405"),
		"calling": session.RemoteAET,
		"called":  session.LocalAET,
	}
	for k, v := range c.Params {
		params[k] = v
	}
	coerced, err := Coerce(c.Script, sc.Attributes, params)
	span.End()
	if err != nil {
		return fmt.Errorf("coercing attributes: %w", err)
	}

	changed := sc.Attributes.Diff(coerced)
	if len(changed) > 0 {
		original := dataset.New()
		if sc.CoercedAttributes != nil {
			original = sc.CoercedAttributes
		}
		var lines strings.Builder
		for _, tag := range changed {
			before := sc.Attributes.Get(tag)
			after := coerced.Get(tag)
			if before != nil && !original.Contains(tag) {
				original.SetElement(before)
			}
			fmt.Fprintf(&lines, "\n%s %v -> %v", tag, values(before), values(after))
		}
		sc.CoercedAttributes = original
		slog.Info(fmt.Sprintf("%s: Coerced Attributes:%s", session, lines.String()))
	}
	sc.Attributes = coerced
	return next(ctx, sc)
}

func values(e *dataset.Element) []string {
	if e == nil {
		return nil
	}
	return e.Values
}
