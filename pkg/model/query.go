package model

import "strings"

// QueryType is the route chosen by the intent router for a turn
type QueryType int

const (
	QueryTypeGeneral QueryType = iota
	QueryTypeLabel
	QueryTypeSupplier
)

var queryTypeNames = map[QueryType]string{
	QueryTypeGeneral:  "general",
	QueryTypeLabel:    "label",
	QueryTypeSupplier: "supplier",
}

func (x QueryType) String() string {
	if s, ok := queryTypeNames[x]; ok {
		return s
	}
	return "general"
}

// QueryTypes returns all routes in a stable order
func QueryTypes() []QueryType {
	return []QueryType{QueryTypeLabel, QueryTypeSupplier, QueryTypeGeneral}
}

// ParseQueryType converts a classifier token to QueryType. Any unknown token
// resolves to QueryTypeGeneral with ok=false.
func ParseQueryType(s string) (QueryType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "label":
		return QueryTypeLabel, true
	case "supplier":
		return QueryTypeSupplier, true
	case "general":
		return QueryTypeGeneral, true
	default:
		return QueryTypeGeneral, false
	}
}

func (x QueryType) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

func (x *QueryType) UnmarshalText(b []byte) error {
	*x, _ = ParseQueryType(string(b))
	return nil
}

// Node identifies a state of the per-turn state machine
type Node int

const (
	NodeStart Node = iota
	NodeRewriteQuery
	NodeRouteQueryType
	NodeRetrieveLabelData
	NodeRetrieveSupplierData
	NodeRetrieveMemories
	NodeGenerateDataResponse
	NodeGenerateGeneralResponse
	NodeAnalyzeForMemories
	NodeSaveMemories
	NodeEnd
)

var nodeNames = [...]string{
	NodeStart:                   "start",
	NodeRewriteQuery:            "rewrite_query",
	NodeRouteQueryType:          "route_query_type",
	NodeRetrieveLabelData:       "retrieve_label_data",
	NodeRetrieveSupplierData:    "retrieve_supplier_data",
	NodeRetrieveMemories:        "retrieve_memories",
	NodeGenerateDataResponse:    "generate_data_response",
	NodeGenerateGeneralResponse: "generate_general_response",
	NodeAnalyzeForMemories:      "analyze_for_memories",
	NodeSaveMemories:            "save_memories",
	NodeEnd:                     "end",
}

func (x Node) String() string {
	if x < 0 || int(x) >= len(nodeNames) {
		return "unknown"
	}
	return nodeNames[x]
}
