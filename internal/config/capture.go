package config

import (
	"os"
	"strconv"
	"time"
)

type CaptureConfig struct {
	ReadDuration    time.Duration
	RecordDuration  time.Duration
	SnapshotOffsets []time.Duration
	SessionTTL      time.Duration
	MaxQuestions    int
	EvidenceDir     string
}

func LoadCaptureConfig() *CaptureConfig {
	return &CaptureConfig{
		ReadDuration:   getEnvAsDuration("CAPTURE_READ_DURATION", 15*time.Second),
		RecordDuration: getEnvAsDuration("CAPTURE_RECORD_DURATION", 60*time.Second),
		SnapshotOffsets: []time.Duration{
			getEnvAsDuration("CAPTURE_SNAPSHOT_OFFSET_1", 1*time.Second),
			getEnvAsDuration("CAPTURE_SNAPSHOT_OFFSET_2", 4*time.Second),
		},
		SessionTTL:   getEnvAsDuration("CAPTURE_SESSION_TTL", 2*time.Hour),
		MaxQuestions: getEnvAsInt("CAPTURE_MAX_QUESTIONS", 10),
		EvidenceDir:  getEnv("CAPTURE_EVIDENCE_DIR", "./static/evidence"),
	}
}

type WorkerConfig struct {
	GraceWindow      time.Duration
	TranscriptWeight float64
	VisualWeight     float64
}

func LoadWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		GraceWindow:      getEnvAsDuration("WORKER_GRACE_WINDOW", 30*time.Second),
		TranscriptWeight: getEnvAsFloat("WORKER_TRANSCRIPT_WEIGHT", 0.7),
		VisualWeight:     getEnvAsFloat("WORKER_VISUAL_WEIGHT", 0.3),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
