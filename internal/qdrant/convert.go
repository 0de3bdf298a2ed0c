package qdrant

import (
	"fmt"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

func toPointIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = qdrant.NewIDUUID(id)
	}
	return out
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	if dense := v.GetVector().GetDense(); dense != nil {
		return dense.GetData()
	}
	if data := v.GetVector().GetData(); len(data) > 0 {
		return data
	}
	return nil
}

func toQdrantPoint(p *Point) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = toQdrantValue(v)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func toQdrantValue(v interface{}) *qdrant.Value {
	switch val := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{NullValue: qdrant.NullValue_NULL_VALUE}}
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int32:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(val)}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case []string:
		items := make([]*qdrant.Value, len(val))
		for i, s := range val {
			items[i] = toQdrantValue(s)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: items}}}
	case []interface{}:
		items := make([]*qdrant.Value, len(val))
		for i, item := range val {
			items[i] = toQdrantValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: items}}}
	case map[string]interface{}:
		fields := make(map[string]*qdrant.Value, len(val))
		for k, item := range val {
			fields[k] = toQdrantValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = fromQdrantValue(v)
	}
	return out
}

func fromQdrantValue(v *qdrant.Value) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]interface{}, len(val.ListValue.GetValues()))
		for i, item := range val.ListValue.GetValues() {
			items[i] = fromQdrantValue(item)
		}
		return items
	case *qdrant.Value_StructValue:
		return fromQdrantPayload(val.StructValue.GetFields())
	default:
		return nil
	}
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil || (len(f.Must) == 0 && len(f.MustNot) == 0) {
		return nil
	}
	out := &qdrant.Filter{}
	for _, c := range f.Must {
		if qc := toQdrantCondition(c); qc != nil {
			out.Must = append(out.Must, qc)
		}
	}
	for _, c := range f.MustNot {
		if qc := toQdrantCondition(c); qc != nil {
			out.MustNot = append(out.MustNot, qc)
		}
	}
	return out
}

func toQdrantCondition(c Condition) *qdrant.Condition {
	field := &qdrant.FieldCondition{Key: c.Field}
	switch {
	case c.Match != nil:
		field.Match = toQdrantMatch(c.Match)
	case c.Range != nil:
		field.Range = &qdrant.Range{Gte: c.Range.Gte, Lte: c.Range.Lte, Gt: c.Range.Gt, Lt: c.Range.Lt}
	default:
		return nil
	}
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: field}}
}

func toQdrantMatch(m interface{}) *qdrant.Match {
	switch v := m.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	default:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", v)}}
	}
}
