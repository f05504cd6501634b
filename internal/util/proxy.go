package util

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/coah80/ingest/internal/config"
)

// GetRandomProxyURL picks one of the numbered proxy users, or "" when no proxy is configured.
func GetRandomProxyURL(cfg *config.Config) string {
	if cfg == nil || !cfg.HasProxy() {
		return ""
	}
	nBig, err := rand.Int(rand.Reader, big.NewInt(int64(cfg.ProxyCount)))
	if err != nil {
		nBig = big.NewInt(1)
	}
	n := nBig.Int64() + 1
	return fmt.Sprintf("http://%s-%d:%s@%s:%s",
		cfg.ProxyUserPrefix, n, cfg.ProxyPassword,
		cfg.ProxyHost, cfg.ProxyPort)
}
