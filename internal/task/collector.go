package task

import (
	"encoding/json"
	"fmt"

	"github.com/gurunrao/taskmesh/internal/model"
)

// Collector combines contributed results from multiple executors into one
// final result: a supplier of an accumulator, an accumulating function and
// a finisher.
type Collector interface {
	// Supply creates a fresh accumulator.
	Supply() interface{}

	// Accumulate folds one contribution into the accumulator.
	Accumulate(acc interface{}, result model.Result) interface{}

	// Finish turns the accumulator into the serialized final result.
	Finish(acc interface{}) ([]byte, error)
}

// Built-in collector names.
const (
	CollectorLast  = "last"
	CollectorFirst = "first"
	CollectorList  = "list"
	CollectorCount = "count"
)

// lastValue keeps the last successful contribution seen.
type lastValue struct{}

func (lastValue) Supply() interface{} { return []byte(nil) }

func (lastValue) Accumulate(acc interface{}, result model.Result) interface{} {
	if result.IsError() {
		return acc
	}
	return result.Value
}

func (lastValue) Finish(acc interface{}) ([]byte, error) {
	value, _ := acc.([]byte)
	return value, nil
}

// firstValue keeps the first successful contribution seen.
type firstValue struct{}

func (firstValue) Supply() interface{} { return []byte(nil) }

func (firstValue) Accumulate(acc interface{}, result model.Result) interface{} {
	if existing, ok := acc.([]byte); ok && existing != nil {
		return acc
	}
	if result.IsError() {
		return acc
	}
	return result.Value
}

func (firstValue) Finish(acc interface{}) ([]byte, error) {
	value, _ := acc.([]byte)
	return value, nil
}

// listValues collects every successful contribution into a JSON array.
type listValues struct{}

func (listValues) Supply() interface{} { return []json.RawMessage{} }

func (listValues) Accumulate(acc interface{}, result model.Result) interface{} {
	values := acc.([]json.RawMessage)
	if result.IsError() {
		return values
	}
	return append(values, json.RawMessage(result.Value))
}

func (listValues) Finish(acc interface{}) ([]byte, error) {
	data, err := json.Marshal(acc.([]json.RawMessage))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal collected values: %w", err)
	}
	return data, nil
}

// countValues counts successful contributions.
type countValues struct{}

func (countValues) Supply() interface{} { return 0 }

func (countValues) Accumulate(acc interface{}, result model.Result) interface{} {
	count := acc.(int)
	if result.IsError() {
		return count
	}
	return count + 1
}

func (countValues) Finish(acc interface{}) ([]byte, error) {
	return json.Marshal(acc.(int))
}
