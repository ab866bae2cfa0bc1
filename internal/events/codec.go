package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire formats. Field numbers are frozen; add fields, never renumber.
//
//	Metadata:          1 event_id, 2 source_service, 3 version,
//	                   4 timestamp (unix millis, varint), 5 correlation_id
//	AuditEvent:        1 metadata, 2 kind, 3 tenant_id, 4 user_id,
//	                   5 fields (repeated entry {1 key, 2 value})
//	TenantCreated:     1 metadata {1 correlation_id, 2 user_id},
//	                   2 tenant {1 tenant_id, 2 tenant_code}
//	TenantDeactivated: 1 metadata {1 correlation_id}, 2 tenant_id

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	if len(msg) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func marshalMetadata(m Metadata) []byte {
	var b []byte
	if m.EventID != uuid.Nil {
		b = appendString(b, 1, m.EventID.String())
	}
	b = appendString(b, 2, m.SourceService)
	b = appendString(b, 3, m.Version)
	if !m.Timestamp.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp.UnixMilli()))
	}
	b = appendString(b, 5, m.CorrelationID)
	return b
}

// MarshalAuditEvent encodes an outbound audit event.
func MarshalAuditEvent(ev AuditEvent) []byte {
	var b []byte
	b = appendMessage(b, 1, marshalMetadata(ev.Metadata))
	b = appendString(b, 2, ev.Kind)
	b = appendString(b, 3, ev.TenantID)
	b = appendString(b, 4, ev.UserID)
	for key, value := range ev.Fields {
		var entry []byte
		entry = appendString(entry, 1, key)
		entry = appendString(entry, 2, value)
		b = appendMessage(b, 5, entry)
	}
	return b
}

type fieldVisitor func(num protowire.Number, typ protowire.Type, payload []byte) error

func walkFields(data []byte, visit fieldVisitor) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var payload []byte
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = v
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = protowire.AppendVarint(nil, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		if err := visit(num, typ, payload); err != nil {
			return err
		}
	}
	return nil
}

func consumeVarint(payload []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func unmarshalMetadata(data []byte) (Metadata, error) {
	var m Metadata
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			id, err := uuid.Parse(string(payload))
			if err != nil {
				return fmt.Errorf("event_id: %w", err)
			}
			m.EventID = id
		case 2:
			m.SourceService = string(payload)
		case 3:
			m.Version = string(payload)
		case 4:
			millis, err := consumeVarint(payload)
			if err != nil {
				return err
			}
			m.Timestamp = time.UnixMilli(int64(millis)).UTC()
		case 5:
			m.CorrelationID = string(payload)
		}
		return nil
	})
	return m, err
}

// UnmarshalAuditEvent decodes an outbound audit event.
func UnmarshalAuditEvent(data []byte) (AuditEvent, error) {
	ev := AuditEvent{Fields: map[string]string{}}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			meta, err := unmarshalMetadata(payload)
			if err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			ev.Metadata = meta
		case 2:
			ev.Kind = string(payload)
		case 3:
			ev.TenantID = string(payload)
		case 4:
			ev.UserID = string(payload)
		case 5:
			var key, value string
			err := walkFields(payload, func(num protowire.Number, _ protowire.Type, p []byte) error {
				switch num {
				case 1:
					key = string(p)
				case 2:
					value = string(p)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("fields entry: %w", err)
			}
			ev.Fields[key] = value
		}
		return nil
	})
	if err != nil {
		return AuditEvent{}, err
	}
	return ev, nil
}

// MarshalTenantCreated encodes a tenant provisioning event.
func MarshalTenantCreated(ev TenantCreated) []byte {
	var meta []byte
	meta = appendString(meta, 1, ev.CorrelationID)
	meta = appendString(meta, 2, ev.UserID)

	var tenant []byte
	tenant = appendString(tenant, 1, ev.TenantID)
	tenant = appendString(tenant, 2, ev.TenantCode)

	var b []byte
	b = appendMessage(b, 1, meta)
	b = appendMessage(b, 2, tenant)
	return b
}

// UnmarshalTenantCreated decodes a tenant provisioning event.
func UnmarshalTenantCreated(data []byte) (TenantCreated, error) {
	var ev TenantCreated
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			return walkFields(payload, func(num protowire.Number, _ protowire.Type, p []byte) error {
				switch num {
				case 1:
					ev.CorrelationID = string(p)
				case 2:
					ev.UserID = string(p)
				}
				return nil
			})
		case 2:
			return walkFields(payload, func(num protowire.Number, _ protowire.Type, p []byte) error {
				switch num {
				case 1:
					ev.TenantID = string(p)
				case 2:
					ev.TenantCode = string(p)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return TenantCreated{}, err
	}
	return ev, nil
}

// MarshalTenantDeactivated encodes a tenant shutdown event.
func MarshalTenantDeactivated(ev TenantDeactivated) []byte {
	var meta []byte
	meta = appendString(meta, 1, ev.CorrelationID)

	var b []byte
	b = appendMessage(b, 1, meta)
	b = appendString(b, 2, ev.TenantID)
	return b
}

// UnmarshalTenantDeactivated decodes a tenant shutdown event.
func UnmarshalTenantDeactivated(data []byte) (TenantDeactivated, error) {
	var ev TenantDeactivated
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			return walkFields(payload, func(num protowire.Number, _ protowire.Type, p []byte) error {
				if num == 1 {
					ev.CorrelationID = string(p)
				}
				return nil
			})
		case 2:
			ev.TenantID = string(payload)
		}
		return nil
	})
	if err != nil {
		return TenantDeactivated{}, err
	}
	return ev, nil
}
