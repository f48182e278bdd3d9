package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"buildplan.ai/internal/persistence/mirror"
)

// buildMirror returns nil when BP_MIRROR is off.
func buildMirror(logger *log.Logger) (*mirror.Mirror, error) {
	if !envBool("BP_MIRROR", false) {
		return nil, nil
	}

	cfg := mirror.S3Config{
		Endpoint:  strings.TrimSpace(os.Getenv("BP_MIRROR_ENDPOINT")),
		Region:    strings.TrimSpace(os.Getenv("BP_MIRROR_REGION")),
		AccessKey: strings.TrimSpace(os.Getenv("BP_MIRROR_ACCESS_KEY_ID")),
		SecretKey: strings.TrimSpace(os.Getenv("BP_MIRROR_SECRET_ACCESS_KEY")),
		Bucket:    strings.TrimSpace(os.Getenv("BP_MIRROR_BUCKET")),
		UseSSL:    envBool("BP_MIRROR_SSL", true),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("BP_MIRROR=true but BP_MIRROR_ENDPOINT/BP_MIRROR_BUCKET/BP_MIRROR_ACCESS_KEY_ID/BP_MIRROR_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := mirror.NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	workers := envInt("BP_MIRROR_UPLOAD_WORKERS", 2)
	queue := envInt("BP_MIRROR_QUEUE", 256)
	prefix := strings.TrimSpace(os.Getenv("BP_MIRROR_PREFIX"))
	return mirror.New(client, prefix, workers, queue, logger), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
