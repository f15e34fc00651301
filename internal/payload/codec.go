package payload

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/tokenline/internal/ir"
)

// Value tags. Every stored value carries its tag so decoding never has to
// guess whether "12.50" was a string or a decimal.
const (
	tagNull      = "null"
	tagString    = "string"
	tagInt       = "int"
	tagBool      = "bool"
	tagFloat     = "float"
	tagDecimal   = "decimal"
	tagTimestamp = "timestamp"
	tagArray     = "array"
	tagObject    = "object"
)

// Encode renders a row as a tagged IR object suitable for canonical JSON.
func Encode(row ir.Row) (ir.IRObject, error) {
	obj := make(ir.IRObject, len(row))
	for k, v := range row {
		env, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = env
	}
	return obj, nil
}

func tagged(tag string, v ir.IRValue) ir.IRObject {
	if v == nil {
		return ir.IRObject{"t": ir.IRString(tag)}
	}
	return ir.IRObject{"t": ir.IRString(tag), "v": v}
}

func encodeValue(v any) (ir.IRObject, error) {
	switch val := v.(type) {
	case nil:
		return tagged(tagNull, nil), nil
	case string:
		return tagged(tagString, ir.IRString(val)), nil
	case int:
		return tagged(tagInt, ir.IRInt(val)), nil
	case int64:
		return tagged(tagInt, ir.IRInt(val)), nil
	case int32:
		return tagged(tagInt, ir.IRInt(val)), nil
	case bool:
		return tagged(tagBool, ir.IRBool(val)), nil
	case float64:
		return tagged(tagFloat, ir.IRString(strconv.FormatFloat(val, 'g', -1, 64))), nil
	case float32:
		return tagged(tagFloat, ir.IRString(strconv.FormatFloat(float64(val), 'g', -1, 32))), nil
	case *apd.Decimal:
		if val == nil {
			return tagged(tagNull, nil), nil
		}
		return tagged(tagDecimal, ir.IRString(val.String())), nil
	case apd.Decimal:
		return tagged(tagDecimal, ir.IRString(val.String())), nil
	case time.Time:
		return tagged(tagTimestamp, ir.IRString(val.Format(time.RFC3339Nano))), nil
	case []any:
		arr := make(ir.IRArray, len(val))
		for i, e := range val {
			env, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = env
		}
		return tagged(tagArray, arr), nil
	case map[string]any:
		obj, err := Encode(val)
		if err != nil {
			return nil, err
		}
		return tagged(tagObject, obj), nil
	case ir.Row:
		obj, err := Encode(val)
		if err != nil {
			return nil, err
		}
		return tagged(tagObject, obj), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Decode restores a row from its tagged form.
func Decode(obj ir.IRObject) (ir.Row, error) {
	row := make(ir.Row, len(obj))
	for k, env := range obj {
		v, err := decodeValue(env)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		row[k] = v
	}
	return row, nil
}

func decodeValue(env ir.IRValue) (any, error) {
	obj, ok := env.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("value is not tagged: %T", env)
	}
	tag, ok := obj["t"].(ir.IRString)
	if !ok {
		return nil, fmt.Errorf("missing tag")
	}
	raw := obj["v"]

	switch string(tag) {
	case tagNull:
		return nil, nil
	case tagString:
		s, ok := raw.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("string: bad value %T", raw)
		}
		return string(s), nil
	case tagInt:
		i, ok := raw.(ir.IRInt)
		if !ok {
			return nil, fmt.Errorf("int: bad value %T", raw)
		}
		return int64(i), nil
	case tagBool:
		b, ok := raw.(ir.IRBool)
		if !ok {
			return nil, fmt.Errorf("bool: bad value %T", raw)
		}
		return bool(b), nil
	case tagFloat:
		s, ok := raw.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("float: bad value %T", raw)
		}
		return strconv.ParseFloat(string(s), 64)
	case tagDecimal:
		s, ok := raw.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("decimal: bad value %T", raw)
		}
		d, _, err := apd.NewFromString(string(s))
		if err != nil {
			return nil, fmt.Errorf("decimal: %w", err)
		}
		return d, nil
	case tagTimestamp:
		s, ok := raw.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("timestamp: bad value %T", raw)
		}
		return time.Parse(time.RFC3339Nano, string(s))
	case tagArray:
		arr, ok := raw.(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("array: bad value %T", raw)
		}
		out := make([]any, len(arr))
		for i, e := range arr {
			v, err := decodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case tagObject:
		o, ok := raw.(ir.IRObject)
		if !ok {
			return nil, fmt.Errorf("object: bad value %T", raw)
		}
		row, err := Decode(o)
		if err != nil {
			return nil, err
		}
		return map[string]any(row), nil
	default:
		return nil, fmt.Errorf("unknown tag %q", tag)
	}
}
