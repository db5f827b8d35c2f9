// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package model

import (
	"fmt"
	"reflect"
)

// ShapeID is the namespaced name of a shape, for example
// "awstest#MessageData". It is carried on the wire in the
// service-model-type header.
type ShapeID string

// Kind classifies how a shape is encoded.
type Kind int

const (
	// KindStruct is a JSON object bound to a Go struct type.
	KindStruct Kind = iota

	// KindVoid has no payload at all.
	KindVoid

	// KindUnion is a JSON object carrying exactly one member.
	KindUnion

	// KindError is a struct shape whose Go type implements error.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStruct:
		return "struct"
	case KindVoid:
		return "void"
	case KindUnion:
		return "union"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Shape describes one payload type of a service model.
type Shape struct {
	id   ShapeID
	kind Kind

	// typ is the Go type values of this shape have. It is nil for void
	// shapes and an interface type for unions.
	typ reflect.Type

	members []UnionMember
}

// ID returns the shape id.
func (s *Shape) ID() ShapeID { return s.id }

// Kind returns the shape kind.
func (s *Shape) Kind() Kind { return s.kind }

// Type returns the Go type bound to the shape, or nil for a void shape.
func (s *Shape) Type() reflect.Type { return s.typ }

// IsVoid reports whether the shape has a zero length canonical payload.
func (s *Shape) IsVoid() bool { return s.kind == KindVoid }

// Members returns the members of a union shape.
func (s *Shape) Members() []UnionMember {
	return append([]UnionMember(nil), s.members...)
}

func (s *Shape) String() string {
	return fmt.Sprintf("%s shape %q", s.kind, s.id)
}

// Struct returns a struct shape whose values are of type T. T may be a
// struct or a pointer to one; deserialized values always have type T.
func Struct[T any](id ShapeID) *Shape {
	return &Shape{id: id, kind: KindStruct, typ: typeOf[T]()}
}

// Error returns an error shape. Handlers return values of type T as
// errors and clients receive them back as the same type.
func Error[T error](id ShapeID) *Shape {
	return &Shape{id: id, kind: KindError, typ: typeOf[T]()}
}

// Void returns a shape with an empty payload.
func Void(id ShapeID) *Shape {
	return &Shape{id: id, kind: KindVoid}
}

// UnionMember binds a member name of a union to the Go type carrying
// its value.
type UnionMember struct {
	Name string
	Type reflect.Type
}

// Member returns the union member called name whose values have type V.
func Member[V any](name string) UnionMember {
	return UnionMember{Name: name, Type: typeOf[V]()}
}

// Union returns a union shape. T must be an interface type implemented
// by the type of every member.
func Union[T any](id ShapeID, members ...UnionMember) *Shape {
	return &Shape{id: id, kind: KindUnion, typ: typeOf[T](), members: members}
}

func (s *Shape) member(name string) (UnionMember, bool) {
	for _, m := range s.members {
		if m.Name == name {
			return m, true
		}
	}
	return UnionMember{}, false
}

func (s *Shape) memberFor(t reflect.Type) (UnionMember, bool) {
	for _, m := range s.members {
		if m.Type == t {
			return m, true
		}
	}
	return UnionMember{}, false
}

// accepts reports whether v may be serialized as the shape.
func (s *Shape) accepts(t reflect.Type) bool {
	if t == s.typ {
		return true
	}
	// A pointer to a value shape, or the value of a pointer shape.
	if s.typ.Kind() == reflect.Ptr && s.typ.Elem() == t {
		return true
	}
	return t.Kind() == reflect.Ptr && t.Elem() == s.typ
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
