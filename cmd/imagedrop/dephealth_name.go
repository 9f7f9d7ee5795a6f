package main

import (
	"os"
	"strings"
)

// dephealthName возвращает имя вершины графа зависимостей:
// DEPHEALTH_NAME, иначе имя владельца пода из hostname.
func dephealthName(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "imagedrop"
	}
	return parseOwnerName(hostname)
}

// parseOwnerName выделяет имя Deployment или StatefulSet из hostname пода:
//   - {deployment}-{rs-hash}-{pod-hash} → deployment
//   - {statefulset}-{ordinal} → statefulset
//
// Остальные имена возвращаются как есть.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)
	if n < 2 {
		return hostname
	}

	if isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}

	// pod-hash — 5 символов, rs-hash — 6..10 символов
	if n >= 3 && len(parts[n-1]) == 5 && isAlnum(parts[n-1]) &&
		len(parts[n-2]) >= 6 && len(parts[n-2]) <= 10 && isAlnum(parts[n-2]) {
		return strings.Join(parts[:n-2], "-")
	}

	return hostname
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
