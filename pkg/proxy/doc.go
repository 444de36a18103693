// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides the HTTP reverse proxy that fronts an OAuth2
// protected API. Callers present an optional static bearer token; the proxy
// strips hop-by-hop headers and the caller's credentials, injects the access
// token obtained through the client-credentials grant, and streams the
// upstream response back without buffering it.
package proxy
