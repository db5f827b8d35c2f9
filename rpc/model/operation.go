// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package model

// OperationModel describes the shapes exchanged by one operation.
type OperationModel struct {
	// Name is the fully qualified operation name sent in the
	// :operation header, for example "awstest#EchoMessage".
	Name string

	Request  *Shape
	Response *Shape

	// StreamingRequest and StreamingResponse are nil unless the
	// operation streams in that direction.
	StreamingRequest  *Shape
	StreamingResponse *Shape

	// Errors lists the modeled errors the operation may return, in
	// addition to the framework errors.
	Errors []*Shape
}

// IsStreaming reports whether the operation streams in either
// direction. Non-streaming operations close on the response.
func (op *OperationModel) IsStreaming() bool {
	return op.StreamingRequest != nil || op.StreamingResponse != nil
}

func (op *OperationModel) shapes() []*Shape {
	shapes := []*Shape{op.Request, op.Response}
	if op.StreamingRequest != nil {
		shapes = append(shapes, op.StreamingRequest)
	}
	if op.StreamingResponse != nil {
		shapes = append(shapes, op.StreamingResponse)
	}
	return append(shapes, op.Errors...)
}
