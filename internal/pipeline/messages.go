// Package pipeline wires the three stages of a benchmark run together:
// the message shapes exchanged on each queue, their decoders, and the
// stage actions that call the lifecycle orchestrator and emit the next
// stage's message.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/terrpan/octane/internal/broker"
	"github.com/terrpan/octane/internal/document"
	"github.com/terrpan/octane/internal/fault"
	"github.com/terrpan/octane/internal/lifecycle"
)

// Stage names, used for logs, metrics and ledger keys.
const (
	StageCreate    = "create"
	StageBenchmark = "benchmark"
	StageDelete    = "delete"
)

const (
	fieldName = "virtualMachineName"
	fieldSku  = "virtualMachineSku"
)

// CreateRequest asks the create stage to provision a VM.
type CreateRequest struct {
	Name string `json:"virtualMachineName"`
	Sku  string `json:"virtualMachineSku"`
}

// BenchmarkRequest asks the benchmark stage to run the benchmark on a VM.
type BenchmarkRequest struct {
	Name string `json:"virtualMachineName"`
	Sku  string `json:"virtualMachineSku"`
}

// DeleteRequest asks the delete stage to tear a VM down.
type DeleteRequest struct {
	Name string `json:"virtualMachineName"`
}

// Spec converts r to a lifecycle.Spec.
func (r CreateRequest) Spec() (lifecycle.Spec, error) { return lifecycle.NewSpec(r.Name, r.Sku) }

// Spec converts r to a lifecycle.Spec.
func (r BenchmarkRequest) Spec() (lifecycle.Spec, error) { return lifecycle.NewSpec(r.Name, r.Sku) }

// DecodeCreate decodes a create queue body.
func DecodeCreate(body []byte) (CreateRequest, error) {
	name, sku, err := decodeNameSku(body)
	return CreateRequest{Name: name, Sku: sku}, err
}

// DecodeBenchmark decodes a benchmark queue body.
func DecodeBenchmark(body []byte) (BenchmarkRequest, error) {
	name, sku, err := decodeNameSku(body)
	return BenchmarkRequest{Name: name, Sku: sku}, err
}

// DecodeDelete decodes a delete queue body.
func DecodeDelete(body []byte) (DeleteRequest, error) {
	obj, err := document.Parse(body)
	if err != nil {
		return DeleteRequest{}, err
	}
	name, err := document.Get(obj, fieldName, document.NonEmptyString)
	if err != nil {
		return DeleteRequest{}, err
	}
	return DeleteRequest{Name: name}, nil
}

func decodeNameSku(body []byte) (name, sku string, err error) {
	obj, err := document.Parse(body)
	if err != nil {
		return "", "", err
	}
	r := document.NewReader(obj)
	name = document.Read(r, fieldName, document.NonEmptyString)
	sku = document.Read(r, fieldSku, document.NonEmptyString)
	return name, sku, r.Err()
}

// NewMessage encodes req as a queue message carrying correlationID.
func NewMessage(req any, correlationID string) (broker.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return broker.Message{}, fault.Validation(fmt.Errorf("encode %T: %w", req, err))
	}
	return broker.Message{Body: body, CorrelationID: correlationID}, nil
}
