// API route declarations, kept next to the types they reference so clients
// can be generated from one list.
package dto

// Route describes a single API endpoint.
type Route struct {
	Name     string // Client function name, e.g. "listApps"
	Method   string // "GET" or "POST"
	Path     string // "/api/v1/apps/{id}"
	ReqType  string // Type name or "" for no body
	RespType string // Type name
	IsArray  bool   // response is T[] not T
	IsSSE    bool   // SSE stream, not JSON
}

// Routes is the authoritative list of API endpoints.
var Routes = []Route{
	{Name: "sendMessage", Method: "POST", Path: "/api/v1/message", ReqType: "MessageReq", IsSSE: true},
	{Name: "listApps", Method: "GET", Path: "/api/v1/apps", RespType: "App", IsArray: true},
	{Name: "getApp", Method: "GET", Path: "/api/v1/apps/{id}", RespType: "App"},
	{Name: "appHistory", Method: "GET", Path: "/api/v1/apps/{id}/history", RespType: "HistoryEntry", IsArray: true},
	{Name: "appTraces", Method: "GET", Path: "/api/v1/apps/{id}/traces", RespType: "Trace", IsArray: true},
	{Name: "getDeployment", Method: "GET", Path: "/api/v1/deployments/{id}", RespType: "Deployment"},
}
