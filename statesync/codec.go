package statesync

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// elements are immutable values with a stable encoding to and from a
// self-describing record (named fields to primitive values).
// the element-record shape is opaque to the controller; only the codec
// interprets it.

type EncodeElementFunction[T any] func(element T) (*structpb.Struct, error)
type DecodeElementFunction[T any] func(record *structpb.Struct) (T, error)
type EqualElementFunction[T any] func(a T, b T) bool

type ElementCodec[T any] struct {
	Encode EncodeElementFunction[T]
	Decode DecodeElementFunction[T]
	Equal  EqualElementFunction[T]
}

// ordered structural equality: same length, element-wise equal, order sensitive.
// this is the anti-loop guard for the sync controller. comparing by reference
// or ignoring order would either spin the controller or drop reorders.
func SequencesEqual[T any](a []T, b []T, equal EqualElementFunction[T]) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// encodes the full element sequence under a single fixed field,
// e.g. {"elements": [<element record>, ...]}
func encodeElements[T any](elements []T, codec *ElementCodec[T], elementsField string) (*structpb.Struct, error) {
	values := make([]*structpb.Value, 0, len(elements))
	for i, element := range elements {
		elementRecord, err := codec.Encode(element)
		if err != nil {
			return nil, fmt.Errorf("encode element[%d]: %w", i, err)
		}
		values = append(values, structpb.NewStructValue(elementRecord))
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			elementsField: structpb.NewListValue(&structpb.ListValue{
				Values: values,
			}),
		},
	}, nil
}

// decodes a full record back into an element sequence.
// any malformed element fails the whole decode. the caller must not
// partially apply a sequence that failed to decode.
func decodeElements[T any](record *structpb.Struct, codec *ElementCodec[T], elementsField string) ([]T, error) {
	elementsValue := record.GetFields()[elementsField]
	if elementsValue == nil {
		return nil, fmt.Errorf("%w (%s)", ErrMissingElementsField, elementsField)
	}
	listValue := elementsValue.GetListValue()
	if listValue == nil {
		return nil, fmt.Errorf("%w (%s)", ErrMalformedElements, elementsField)
	}
	elements := make([]T, 0, len(listValue.Values))
	for i, value := range listValue.Values {
		elementRecord := value.GetStructValue()
		if elementRecord == nil {
			return nil, fmt.Errorf("%w (element[%d])", ErrMalformedElement, i)
		}
		element, err := codec.Decode(elementRecord)
		if err != nil {
			return nil, fmt.Errorf("decode element[%d]: %w", i, err)
		}
		elements = append(elements, element)
	}
	return elements, nil
}
