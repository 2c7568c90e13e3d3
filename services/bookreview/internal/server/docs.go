package server

import (
	"net/http"

	"bookreview/api"
)

const docsCSP = "default-src 'none'; script-src 'self' https://unpkg.com https://cdn.redoc.ly 'unsafe-inline'; " +
	"style-src 'self' https://unpkg.com https://fonts.googleapis.com 'unsafe-inline'; " +
	"font-src https://fonts.gstatic.com; img-src 'self' data: https:; connect-src 'self'; worker-src blob:; " +
	"frame-ancestors 'none'; base-uri 'none'"

const swaggerPage = `<!DOCTYPE html>
<html>
<head>
  <title>Book Review API - Swagger UI</title>
  <meta charset="utf-8">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>window.ui = SwaggerUIBundle({url: "/openapi.yaml", dom_id: "#swagger-ui"});</script>
</body>
</html>
`

const redocPage = `<!DOCTYPE html>
<html>
<head>
  <title>Book Review API - ReDoc</title>
  <meta charset="utf-8">
  <link href="https://fonts.googleapis.com/css?family=Montserrat:300,400,700|Roboto:300,400,700" rel="stylesheet">
</head>
<body>
  <redoc spec-url="/openapi.yaml"></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>
`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPI)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	writeHTML(w, r, swaggerPage)
}

func (s *Server) handleRedoc(w http.ResponseWriter, r *http.Request) {
	writeHTML(w, r, redocPage)
}

func writeHTML(w http.ResponseWriter, r *http.Request, page string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Security-Policy", docsCSP)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(page))
}
