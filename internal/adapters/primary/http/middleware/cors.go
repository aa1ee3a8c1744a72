package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORS allows browser server actions on the listed origins to call the
// notify API. Entries may be bare hosts, as used for the websocket origin
// check, in which case both schemes are allowed. An empty list allows any
// origin without credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         300,
	}

	if len(allowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = corsOrigins(allowedOrigins)
		opts.AllowCredentials = true
	}

	return cors.Handler(opts)
}

func corsOrigins(hosts []string) []string {
	origins := make([]string, 0, len(hosts)*2)
	for _, host := range hosts {
		if strings.Contains(host, "://") {
			origins = append(origins, host)
			continue
		}
		origins = append(origins, "https://"+host, "http://"+host)
	}
	return origins
}
