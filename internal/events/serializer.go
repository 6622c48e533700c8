package events

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Serializer encodes event payloads for the wire.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// NewSerializer returns the serializer registered under name ("json" or
// "proto").
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSONSerializer{}, nil
	case "proto":
		return ProtoSerializer{}, nil
	}
	return nil, fmt.Errorf("unknown serializer %q", name)
}

// JSONSerializer encodes with encoding/json.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}

func (JSONSerializer) ContentType() string { return "application/json" }

// ProtoSerializer encodes the JSON form of a value as a protobuf Struct, so
// consumers can decode it without generated types.
type ProtoSerializer struct{}

func (ProtoSerializer) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("proto marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("proto marshal: value is not an object: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("proto marshal: %w", err)
	}
	return proto.Marshal(st)
}

func (ProtoSerializer) Unmarshal(data []byte, v any) error {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("proto unmarshal: %w", err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return fmt.Errorf("proto unmarshal: %w", err)
	}
	return json.Unmarshal(raw, v)
}

func (ProtoSerializer) ContentType() string { return "application/x-protobuf" }
