package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Вложенные документы (escrow, refund, резолюция спора, квитанции сообщений)
// хранятся в JSONB колонках. Эти функции используются реализациями
// sql.Scanner и driver.Valuer соответствующих типов.

func jsonValue(v any) (driver.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("models: marshal jsonb %w", err)
	}
	return raw, nil
}

func jsonScan(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("models: unsupported jsonb source %T", src)
	}
}
