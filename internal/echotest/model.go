// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package echotest holds the echo test service: a small service model
// exercising every shape kind, with handlers and a typed client. It is
// served by eventstreamd and used throughout the tests.
package echotest

import (
	"sync"

	"github.com/juju/eventstream/rpc/model"
)

// ServiceName is the name of the echo test service.
const ServiceName = "awstest#EchoTestRPC"

// Operation names.
const (
	EchoMessage               = "awstest#EchoMessage"
	EchoStreamMessages        = "awstest#EchoStreamMessages"
	CauseServiceError         = "awstest#CauseServiceError"
	CauseStreamServiceToError = "awstest#CauseStreamServiceToError"
	GetAllProducts            = "awstest#GetAllProducts"
	GetAllCustomers           = "awstest#GetAllCustomers"
)

// FruitEnum is carried by MessageData.EnumMessage.
type FruitEnum string

const (
	FruitApple     FruitEnum = "APPLE"
	FruitOrange    FruitEnum = "ORANGE"
	FruitBanana    FruitEnum = "BANANA"
	FruitPineapple FruitEnum = "PINEAPPLE"
)

// Pair is a key and its value.
type Pair struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

func (*Pair) isStreamingMessage() {}

// Product is an item of the product catalog.
type Product struct {
	Name  string  `json:"name,omitempty"`
	Price float32 `json:"price,omitempty"`
}

// Customer is an entry of the customer list.
type Customer struct {
	ID        int64  `json:"id,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// MessageData carries one field of each kind the service model
// supports.
type MessageData struct {
	StringMessage     *string            `json:"stringMessage,omitempty"`
	BooleanMessage    *bool              `json:"booleanMessage,omitempty"`
	TimeMessage       *model.Timestamp   `json:"timeMessage,omitempty"`
	DocumentMessage   map[string]any     `json:"documentMessage,omitempty"`
	EnumMessage       FruitEnum          `json:"enumMessage,omitempty"`
	BlobMessage       []byte             `json:"blobMessage,omitempty"`
	StringListMessage []string           `json:"stringListMessage,omitempty"`
	KeyValuePairList  []Pair             `json:"keyValuePairList,omitempty"`
	StringToValue     map[string]Product `json:"stringToValue,omitempty"`
}

func (*MessageData) isStreamingMessage() {}

// StreamingMessage is the union streamed by EchoStreamMessages and
// CauseStreamServiceToError. It is either a *MessageData or a *Pair.
type StreamingMessage interface {
	isStreamingMessage()
}

type EchoMessageRequest struct {
	Message *MessageData `json:"message,omitempty"`
}

type EchoMessageResponse struct {
	Message *MessageData `json:"message,omitempty"`
}

type CauseServiceErrorRequest struct{}

type CauseServiceErrorResponse struct{}

type GetAllProductsRequest struct{}

type GetAllProductsResponse struct {
	Products map[string]Product `json:"products,omitempty"`
}

type GetAllCustomersRequest struct{}

type GetAllCustomersResponse struct {
	Customers []Customer `json:"customers,omitempty"`
}

// ServiceError is the modeled error of the service.
type ServiceError struct {
	Message string `json:"message,omitempty"`
	Value   string `json:"value,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

var (
	messageDataShape      = model.Struct[*MessageData]("awstest#MessageData")
	pairShape             = model.Struct[*Pair]("awstest#Pair")
	productShape          = model.Struct[*Product]("awstest#Product")
	customerShape         = model.Struct[*Customer]("awstest#Customer")
	echoRequestShape      = model.Struct[*EchoMessageRequest]("awstest#EchoMessageRequest")
	echoResponseShape     = model.Struct[*EchoMessageResponse]("awstest#EchoMessageResponse")
	streamingRequestShape = model.Void("awstest#EchoStreamingRequest")
	streamingRespShape    = model.Void("awstest#EchoStreamingResponse")
	streamingMessageShape = model.Union[StreamingMessage]("awstest#EchoStreamingMessage",
		model.Member[*MessageData]("streamMessage"),
		model.Member[*Pair]("keyValuePair"),
	)
	causeErrorRequestShape  = model.Struct[*CauseServiceErrorRequest]("awstest#CauseServiceErrorRequest")
	causeErrorResponseShape = model.Struct[*CauseServiceErrorResponse]("awstest#CauseServiceErrorResponse")
	productsRequestShape    = model.Struct[*GetAllProductsRequest]("awstest#GetAllProductsRequest")
	productsResponseShape   = model.Struct[*GetAllProductsResponse]("awstest#GetAllProductsResponse")
	customersRequestShape   = model.Struct[*GetAllCustomersRequest]("awstest#GetAllCustomersRequest")
	customersResponseShape  = model.Struct[*GetAllCustomersResponse]("awstest#GetAllCustomersResponse")
	serviceErrorShape       = model.Error[*ServiceError]("awstest#ServiceError")
)

var buildModel = sync.OnceValues(func() (*model.ServiceModel, error) {
	return model.NewBuilder(ServiceName).
		AddShapes(
			messageDataShape, pairShape, productShape, customerShape,
			echoRequestShape, echoResponseShape,
			streamingRequestShape, streamingRespShape, streamingMessageShape,
			causeErrorRequestShape, causeErrorResponseShape,
			productsRequestShape, productsResponseShape,
			customersRequestShape, customersResponseShape,
			serviceErrorShape,
		).
		AddOperation(model.OperationModel{
			Name:     EchoMessage,
			Request:  echoRequestShape,
			Response: echoResponseShape,
		}).
		AddOperation(model.OperationModel{
			Name:              EchoStreamMessages,
			Request:           streamingRequestShape,
			Response:          streamingRespShape,
			StreamingRequest:  streamingMessageShape,
			StreamingResponse: streamingMessageShape,
		}).
		AddOperation(model.OperationModel{
			Name:     CauseServiceError,
			Request:  causeErrorRequestShape,
			Response: causeErrorResponseShape,
			Errors:   []*model.Shape{serviceErrorShape},
		}).
		AddOperation(model.OperationModel{
			Name:              CauseStreamServiceToError,
			Request:           streamingRequestShape,
			Response:          streamingRespShape,
			StreamingRequest:  streamingMessageShape,
			StreamingResponse: streamingMessageShape,
			Errors:            []*model.Shape{serviceErrorShape},
		}).
		AddOperation(model.OperationModel{
			Name:     GetAllProducts,
			Request:  productsRequestShape,
			Response: productsResponseShape,
		}).
		AddOperation(model.OperationModel{
			Name:     GetAllCustomers,
			Request:  customersRequestShape,
			Response: customersResponseShape,
		}).
		Build()
})

// Model returns the echo test service model.
func Model() (*model.ServiceModel, error) {
	return buildModel()
}
