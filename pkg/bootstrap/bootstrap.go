package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/firestore"
	kmsapi "cloud.google.com/go/kms/apiv1"
	"google.golang.org/api/option"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/infrastructure/database"
	infrakms "github.com/rolandd/midpen-tracker/pkg/infrastructure/kms"
	infratasks "github.com/rolandd/midpen-tracker/pkg/infrastructure/tasks"
)

// Config holds standard configuration for the service
type Config struct {
	ProjectID string
	Region    string
	Port      string

	// APIBaseURL is the public URL of this service. Task callback URLs and
	// the OIDC audience are derived from it.
	APIBaseURL string
	QueueName  string
	// TasksServiceAccount is the service account Cloud Tasks signs OIDC
	// tokens with; callbacks assert this exact email.
	TasksServiceAccount string

	StravaClientID       string
	StravaClientSecret   string
	StravaSubscriptionID int64

	WebhookPathSecret  string
	WebhookVerifyToken string

	KMSKeyName string

	// BackfillAfter limits backfill to activities after this Unix timestamp.
	// Zero means no lower bound.
	BackfillAfter    int64
	MaxBackfillPages int

	EnableTasks bool
	SentryDSN   string
}

// Service holds initialized dependencies
type Service struct {
	DB     shared.Database
	Queue  shared.TaskQueue
	Keys   shared.KeyManager
	Config *Config
}

// LoadConfig reads configuration from environment variables
func LoadConfig() *Config {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	queueName := os.Getenv("TASKS_QUEUE_NAME")
	if queueName == "" {
		queueName = shared.ActivityQueueName
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	region := os.Getenv("GOOGLE_CLOUD_REGION")
	if region == "" {
		region = "us-west1"
	}

	maxPages := envInt("MAX_BACKFILL_PAGES")
	if maxPages == 0 {
		maxPages = 100
	}

	return &Config{
		ProjectID:            projectID,
		Region:               region,
		Port:                 port,
		APIBaseURL:           strings.TrimRight(os.Getenv("API_BASE_URL"), "/"),
		QueueName:            queueName,
		TasksServiceAccount:  os.Getenv("TASKS_SERVICE_ACCOUNT"),
		StravaClientID:       os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret:   os.Getenv("STRAVA_CLIENT_SECRET"),
		StravaSubscriptionID: envInt64("STRAVA_SUBSCRIPTION_ID"),
		WebhookPathSecret:    os.Getenv("WEBHOOK_PATH_SECRET"),
		WebhookVerifyToken:   os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		KMSKeyName:           os.Getenv("KMS_KEY_NAME"),
		BackfillAfter:        envInt64("BACKFILL_AFTER"),
		MaxBackfillPages:     maxPages,
		EnableTasks:          os.Getenv("ENABLE_TASKS") == "true",
		SentryDSN:            os.Getenv("SENTRY_DSN"),
	}
}

func envInt64(key string) int64 {
	v, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return v
}

func envInt(key string) int {
	v, _ := strconv.Atoi(os.Getenv(key))
	return v
}

// GetSlogHandlerOptions returns standard handler options for GCP
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component

	// Check if component is overridden in the record attributes
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false // stop
		}
		return true
	})

	if comp != "" {
		newMsg := fmt.Sprintf("[%s] %s", comp, r.Message)
		newRecord := slog.NewRecord(r.Time, r.Level, newMsg, r.PC)

		// Keep the component attribute in the structured payload
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

// InitLogger configures structured logging with Cloud Logging compatible keys
func InitLogger() {
	opts := GetSlogHandlerOptions(slog.LevelInfo)
	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(&ComponentHandler{Handler: handler})
	slog.SetDefault(logger)
}

// NewLogger creates a configured logger instance
func NewLogger(serviceName string) *slog.Logger {
	logLevelStr := os.Getenv("LOG_LEVEL")
	var level slog.Level
	switch strings.ToLower(logLevelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := GetSlogHandlerOptions(level)
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// NewService initializes all standard dependencies
func NewService(ctx context.Context) (*Service, error) {
	InitLogger()
	cfg := LoadConfig()

	slog.Info("Initializing service", "project_id", cfg.ProjectID)

	userAgent := option.WithUserAgent("midpen-tracker")

	// Firestore
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, userAgent)
	if err != nil {
		slog.Error("Firestore init failed", "error", err)
		return nil, fmt.Errorf("firestore init: %w", err)
	}

	// Cloud Tasks
	var queue shared.TaskQueue
	if cfg.EnableTasks {
		ctClient, err := cloudtasks.NewClient(ctx, userAgent)
		if err != nil {
			slog.Error("Cloud Tasks init failed", "error", err)
			return nil, fmt.Errorf("cloudtasks init: %w", err)
		}
		queue = infratasks.NewCloudTasksAdapter(ctClient, &infratasks.QueueConfig{
			ProjectID:           cfg.ProjectID,
			Region:              cfg.Region,
			QueueName:           cfg.QueueName,
			TargetBaseURL:       cfg.APIBaseURL,
			ServiceAccountEmail: cfg.TasksServiceAccount,
		})
		slog.Info("Cloud Tasks: REAL (ENABLE_TASKS=true)", "queue", cfg.QueueName)
	} else {
		queue = &infratasks.LogQueue{}
		slog.Info("Cloud Tasks: MOCK (LogQueue)")
	}

	// KMS
	var keys shared.KeyManager
	if cfg.KMSKeyName != "" {
		kmsClient, err := kmsapi.NewKeyManagementClient(ctx, userAgent)
		if err != nil {
			slog.Error("KMS init failed", "error", err)
			return nil, fmt.Errorf("kms init: %w", err)
		}
		keys = infrakms.NewKMSAdapter(kmsClient, cfg.KMSKeyName)
	} else {
		keys = &infrakms.PlaintextKeyManager{}
		slog.Warn("KMS: MOCK (PlaintextKeyManager), tokens stored unencrypted")
	}

	return &Service{
		DB:     database.NewFirestoreAdapter(fsClient),
		Queue:  queue,
		Keys:   keys,
		Config: cfg,
	}, nil
}
