package proverd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/coordstore/disk"
	"pkt.systems/proverd/internal/coordstore/memory"
)

func openStore(dsn string) (coordstore.Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return memory.New(), nil
	case "disk":
		root, err := diskRoot(u)
		if err != nil {
			return nil, err
		}
		return disk.New(disk.Config{Root: root})
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// diskRoot extracts the filesystem root from a disk:// URL. Both
// disk:///var/lib/proverd and disk://var/lib/proverd are accepted.
func diskRoot(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/proverd)")
	}
	return filepath.Clean(pathPart), nil
}
