package auth

import (
	"encoding/json"
	"net/http"
)

// Well-known discovery paths.
const (
	ServerMetadataPath   = "/.well-known/oauth-authorization-server"
	ResourceMetadataPath = "/.well-known/oauth-protected-resource"
)

// Endpoint paths advertised in the metadata.
const (
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
	StreamPath    = "/stream"
)

// ResourcePaths are the stream endpoint paths. Each discovery document is
// also served with these appended, since clients probe either shape.
var ResourcePaths = []string{StreamPath, "/mcp", "/sse"}

// MetadataPaths returns base followed by base with every resource path
// appended.
func MetadataPaths(base string) []string {
	out := []string{base}
	for _, p := range ResourcePaths {
		out = append(out, base+p)
	}

	return out
}

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
	MCPEndpoint            string   `json:"mcp_endpoint,omitempty"`
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	AuthorizationResponseIssParamSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// ServerMetadata returns the authorization server document.
func (p *Provider) ServerMetadata() ServerMetadata {
	return ServerMetadata{
		Issuer:                                 p.cfg.ServerURL,
		AuthorizationEndpoint:                  p.cfg.ServerURL + AuthorizePath,
		TokenEndpoint:                          p.cfg.ServerURL + TokenPath,
		ScopesSupported:                        p.cfg.SupportedScopes,
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{"authorization_code"},
		CodeChallengeMethodsSupported:          supportedPKCEMethods(p.cfg.AllowPlainPKCE),
		TokenEndpointAuthMethodsSupported:      []string{"none", "client_secret_post", "client_secret_basic"},
		AuthorizationResponseIssParamSupported: true,
	}
}

// ResourceMetadata returns the protected resource document.
func (p *Provider) ResourceMetadata() ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               p.cfg.ServerURL,
		AuthorizationServers:   []string{p.cfg.ServerURL},
		ScopesSupported:        p.cfg.SupportedScopes,
		BearerMethodsSupported: []string{"header"},
		ResourceDocumentation:  p.cfg.ServerURL,
		MCPEndpoint:            p.cfg.ServerURL + StreamPath,
	}
}

// ResourceMetadataURL is the discovery location named in bearer
// challenges.
func (p *Provider) ResourceMetadataURL() string {
	return p.cfg.ServerURL + ResourceMetadataPath
}

// HandleServerMetadata returns the handler for every authorization server
// metadata path. The document is rendered once, so all paths serve the
// same bytes.
func (p *Provider) HandleServerMetadata() http.HandlerFunc {
	return staticJSON(p.ServerMetadata())
}

// HandleProtectedResourceMetadata returns the handler for every protected
// resource metadata path.
func (p *Provider) HandleProtectedResourceMetadata() http.HandlerFunc {
	return staticJSON(p.ResourceMetadata())
}

func staticJSON(v any) http.HandlerFunc {
	body, err := json.Marshal(v)
	if err != nil {
		// The metadata types contain only strings, slices and bools.
		panic("marshaling discovery document: " + err.Error())
	}

	body = append(body, '\n')

	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "public, max-age=3600")
			_, _ = w.Write(body)
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Protocol-Version")
}
