package docstore

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// wire protocol for the websocket store.
// every frame is a binary websocket message holding one proto-marshaled
// self-describing record:
//
//   client -> server
//     {t: "sub", sub_id, path}
//     {t: "unsub", sub_id}
//     {t: "write", write_id, path, record}
//
//   server -> client
//     {t: "snapshot", sub_id, path, exists, record?}
//     {t: "write_result", write_id, error?}
//
// sub ids and write ids are chosen by the client (ulids). an empty error
// field on a write_result means the overwrite committed.

const (
	messageTypeSub         = "sub"
	messageTypeUnsub       = "unsub"
	messageTypeWrite       = "write"
	messageTypeSnapshot    = "snapshot"
	messageTypeWriteResult = "write_result"
)

const (
	fieldType    = "t"
	fieldSubId   = "sub_id"
	fieldWriteId = "write_id"
	fieldPath    = "path"
	fieldExists  = "exists"
	fieldRecord  = "record"
	fieldError   = "error"
)

func encodeMessage(fields map[string]*structpb.Value) ([]byte, error) {
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func decodeMessage(messageBytes []byte) (*structpb.Struct, error) {
	message := &structpb.Struct{}
	if err := proto.Unmarshal(messageBytes, message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return message, nil
}

func messageString(message *structpb.Struct, field string) string {
	if value := message.GetFields()[field]; value != nil {
		return value.GetStringValue()
	}
	return ""
}

func messageBool(message *structpb.Struct, field string) bool {
	if value := message.GetFields()[field]; value != nil {
		return value.GetBoolValue()
	}
	return false
}

func messageRecord(message *structpb.Struct, field string) *structpb.Struct {
	if value := message.GetFields()[field]; value != nil {
		return value.GetStructValue()
	}
	return nil
}

func subMessage(subId string, path string) map[string]*structpb.Value {
	return map[string]*structpb.Value{
		fieldType:  structpb.NewStringValue(messageTypeSub),
		fieldSubId: structpb.NewStringValue(subId),
		fieldPath:  structpb.NewStringValue(path),
	}
}

func unsubMessage(subId string) map[string]*structpb.Value {
	return map[string]*structpb.Value{
		fieldType:  structpb.NewStringValue(messageTypeUnsub),
		fieldSubId: structpb.NewStringValue(subId),
	}
}

func writeMessage(writeId string, path string, record *structpb.Struct) map[string]*structpb.Value {
	if record == nil {
		record = &structpb.Struct{}
	}
	return map[string]*structpb.Value{
		fieldType:    structpb.NewStringValue(messageTypeWrite),
		fieldWriteId: structpb.NewStringValue(writeId),
		fieldPath:    structpb.NewStringValue(path),
		fieldRecord:  structpb.NewStructValue(record),
	}
}

func snapshotMessage(subId string, path string, record *structpb.Struct, exists bool) map[string]*structpb.Value {
	fields := map[string]*structpb.Value{
		fieldType:   structpb.NewStringValue(messageTypeSnapshot),
		fieldSubId:  structpb.NewStringValue(subId),
		fieldPath:   structpb.NewStringValue(path),
		fieldExists: structpb.NewBoolValue(exists),
	}
	if exists {
		fields[fieldRecord] = structpb.NewStructValue(record)
	}
	return fields
}

func writeResultMessage(writeId string, errText string) map[string]*structpb.Value {
	fields := map[string]*structpb.Value{
		fieldType:    structpb.NewStringValue(messageTypeWriteResult),
		fieldWriteId: structpb.NewStringValue(writeId),
	}
	if errText != "" {
		fields[fieldError] = structpb.NewStringValue(errText)
	}
	return fields
}
