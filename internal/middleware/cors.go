package middleware

import (
	"bufio"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"
)

// LoadCORS builds the CORS handler from an allow-list file with one origin per
// line. Without the file every origin is allowed and credentials are disabled.
func LoadCORS(path string, logger hclog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	methods := []string{"GET", "POST", "OPTIONS"}

	origins := loadCORSOrigins(path)
	if len(origins) > 0 {
		logger.Info("loaded CORS origins", "count", len(origins), "file", path)
		return cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   methods,
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           86400,
		})
	}

	logger.Warn("no CORS origins file, allowing all origins with credentials disabled", "file", path)
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   methods,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}

func loadCORSOrigins(path string) []string {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins
}
