package rpc

import "slices"

// A request may pin api_version; without it the current version applies.
// The SSE stream versions its events separately.
const (
	apiVersion         = 1
	minAPIVersion      = 1
	streamEventVersion = 1
)

const (
	rpcCodeVersionUnsupported = -32080
	rpcCodeVersionRetired     = -32081
)

var rpcMethods = []string{
	methodCatalog,
	methodLaunch,
	methodExecute,
	methodGetSession,
	methodEndSession,
	methodConversationGet,
	methodConversationList,
	methodMarkRead,
	methodMessageSend,
	methodMessageList,
	methodNetworkStatus,
	methodHealthCheck,
	methodVersion,
}

func isKnownMethod(method string) bool {
	return slices.Contains(rpcMethods, method)
}

func checkAPIVersion(v *int) *rpcError {
	switch {
	case v == nil:
		return nil
	case *v < minAPIVersion:
		return &rpcError{Code: rpcCodeVersionRetired, Message: "api_version is retired"}
	case *v > apiVersion:
		return &rpcError{Code: rpcCodeVersionUnsupported, Message: "api_version is newer than this daemon"}
	}
	return nil
}

// versionInfo answers rpc.version: the protocol range, the methods and the
// mini-apps this daemon can launch.
func (s *Server) versionInfo() map[string]any {
	catalog := s.service.Catalog()
	apps := make([]string, 0, len(catalog))
	for _, app := range catalog {
		apps = append(apps, app.ID)
	}
	return map[string]any{
		"apiVersion":    apiVersion,
		"minApiVersion": minAPIVersion,
		"streamEvents":  map[string]int{"message.new": streamEventVersion},
		"methods":       rpcMethods,
		"apps":          apps,
	}
}
