// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package model

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"reflect"
	"sort"

	"github.com/juju/errors"
)

// ContentTypeJSON is the content type of every modeled payload.
const ContentTypeJSON = "application/json"

// ServiceModel is the immutable description of a service: its operations
// and the shapes they exchange. It is safe for concurrent use.
type ServiceModel struct {
	name       string
	operations map[string]*OperationModel
	shapes     map[ShapeID]*Shape
	errorTypes map[reflect.Type]*Shape
}

// Builder accumulates shapes and operations for a ServiceModel.
type Builder struct {
	name       string
	shapes     []*Shape
	operations []OperationModel
}

// NewBuilder returns a Builder for the named service.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddShapes registers shapes with the model.
func (b *Builder) AddShapes(shapes ...*Shape) *Builder {
	b.shapes = append(b.shapes, shapes...)
	return b
}

// AddOperation registers an operation with the model.
func (b *Builder) AddOperation(op OperationModel) *Builder {
	b.operations = append(b.operations, op)
	return b
}

// Build validates everything added so far and returns the model.
func (b *Builder) Build() (*ServiceModel, error) {
	if b.name == "" {
		return nil, errors.NotValidf("empty service name")
	}
	m := &ServiceModel{
		name:       b.name,
		operations: make(map[string]*OperationModel),
		shapes:     make(map[ShapeID]*Shape),
		errorTypes: make(map[reflect.Type]*Shape),
	}
	for _, s := range append(frameworkShapes(), b.shapes...) {
		if err := m.addShape(s); err != nil {
			return nil, errors.Trace(err)
		}
	}
	for i := range b.operations {
		op := b.operations[i]
		if op.Name == "" {
			return nil, errors.NotValidf("operation with empty name")
		}
		if _, ok := m.operations[op.Name]; ok {
			return nil, errors.NotValidf("duplicate operation %q", op.Name)
		}
		if op.Request == nil || op.Response == nil {
			return nil, errors.NotValidf("operation %q without request or response shape", op.Name)
		}
		for _, s := range op.shapes() {
			if registered := m.shapes[s.id]; registered != s {
				return nil, errors.NotValidf("operation %q references unregistered %s", op.Name, s)
			}
		}
		for _, s := range op.Errors {
			if s.kind != KindError {
				return nil, errors.NotValidf("operation %q error %s", op.Name, s)
			}
		}
		op.Errors = append([]*Shape(nil), op.Errors...)
		m.operations[op.Name] = &op
	}
	return m, nil
}

func (m *ServiceModel) addShape(s *Shape) error {
	if s == nil || s.id == "" {
		return errors.NotValidf("shape without id")
	}
	if _, ok := m.shapes[s.id]; ok {
		return errors.NotValidf("duplicate shape %q", s.id)
	}
	switch s.kind {
	case KindUnion:
		if s.typ.Kind() != reflect.Interface {
			return errors.NotValidf("union %q over non interface type %s", s.id, s.typ)
		}
		if len(s.members) == 0 {
			return errors.NotValidf("union %q without members", s.id)
		}
		seen := make(map[string]bool)
		for _, mem := range s.members {
			if mem.Name == "" || seen[mem.Name] {
				return errors.NotValidf("union %q member %q", s.id, mem.Name)
			}
			seen[mem.Name] = true
			if !mem.Type.Implements(s.typ) {
				return errors.NotValidf("union %q member %q of type %s", s.id, mem.Name, mem.Type)
			}
		}
	case KindError:
		if other, ok := m.errorTypes[s.typ]; ok {
			return errors.NotValidf("error type %s bound to both %q and %q", s.typ, other.id, s.id)
		}
		m.errorTypes[s.typ] = s
	}
	m.shapes[s.id] = s
	return nil
}

// Name returns the service name.
func (m *ServiceModel) Name() string {
	return m.name
}

// Resolve returns the named operation.
func (m *ServiceModel) Resolve(operation string) (*OperationModel, error) {
	op, ok := m.operations[operation]
	if !ok {
		return nil, errors.NotFoundf("operation %q", operation)
	}
	return op, nil
}

// Operations returns the sorted names of every operation.
func (m *ServiceModel) Operations() []string {
	names := make([]string, 0, len(m.operations))
	for name := range m.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shape returns the registered shape with the given id.
func (m *ServiceModel) Shape(id ShapeID) (*Shape, bool) {
	s, ok := m.shapes[id]
	return s, ok
}

// ErrorShapeFor looks through the chain of err for a value whose type is
// bound to an error shape, returning the shape and that value.
func (m *ServiceModel) ErrorShapeFor(err error) (*Shape, any, bool) {
	for err != nil {
		if s, ok := m.errorTypes[reflect.TypeOf(err)]; ok {
			return s, err, true
		}
		err = stderrors.Unwrap(err)
	}
	return nil, nil, false
}

// Serialize encodes v as the given shape.
func (m *ServiceModel) Serialize(shape *Shape, v any) ([]byte, error) {
	switch shape.kind {
	case KindVoid:
		return nil, nil
	case KindUnion:
		return m.serializeUnion(shape, v)
	}
	if v != nil && !shape.accepts(reflect.TypeOf(v)) {
		return nil, errors.NotValidf("value of type %T for %s", v, shape)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotatef(err, "serializing %s", shape)
	}
	if bytes.Equal(data, []byte("null")) {
		return []byte("{}"), nil
	}
	return data, nil
}

func (m *ServiceModel) serializeUnion(shape *Shape, v any) ([]byte, error) {
	if v == nil {
		return nil, errors.NotValidf("empty %s", shape)
	}
	t := reflect.TypeOf(v)
	member, ok := shape.memberFor(t)
	if !ok && t.Kind() == reflect.Ptr {
		member, ok = shape.memberFor(t.Elem())
	}
	if !ok {
		return nil, errors.NotValidf("value of type %T for %s", v, shape)
	}
	data, err := json.Marshal(map[string]any{member.Name: v})
	return data, errors.Annotatef(err, "serializing %s", shape)
}

// Deserialize decodes data as the given shape. Struct and error shapes
// return a value of the shape's Go type; unions return the member's type.
// Failures are reported as *DeserializationError.
func (m *ServiceModel) Deserialize(shape *Shape, data []byte) (any, error) {
	switch shape.kind {
	case KindVoid:
		return nil, nil
	case KindUnion:
		v, err := m.deserializeUnion(shape, data)
		if err != nil {
			return nil, &DeserializationError{Shape: shape.id, Err: err}
		}
		return v, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	v, err := decodeInto(shape.typ, data)
	if err != nil {
		return nil, &DeserializationError{Shape: shape.id, Err: err}
	}
	return v, nil
}

func (m *ServiceModel) deserializeUnion(shape *Shape, data []byte) (any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	// Members explicitly set to null count as unset.
	for name, value := range raw {
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			delete(raw, name)
		}
	}
	if len(raw) != 1 {
		return nil, errors.Errorf("union must set exactly one member, found %d", len(raw))
	}
	var (
		name  string
		value json.RawMessage
	)
	for name, value = range raw {
	}
	member, ok := shape.member(name)
	if !ok {
		return nil, errors.Errorf("unknown union member %q", name)
	}
	return decodeInto(member.Type, value)
}

// decodeInto decodes data into a new value of type t.
func decodeInto(t reflect.Type, data []byte) (any, error) {
	if t.Kind() == reflect.Ptr {
		ptr := reflect.New(t.Elem())
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Interface(), nil
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
