package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Imedizin/mailroom/internal/config"
	"github.com/Imedizin/mailroom/internal/content"
	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/ingest"
	"github.com/Imedizin/mailroom/internal/queue"
	"github.com/Imedizin/mailroom/internal/store"
	mailsync "github.com/Imedizin/mailroom/internal/sync"
	"github.com/Imedizin/mailroom/internal/thread"
	"github.com/Imedizin/mailroom/internal/webhook"
)

type MailboxRequest struct {
	Address string `json:"address" binding:"required"`
}

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	pub, err := queue.NewPublisher(cfg.NatsURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pub.Close()
	if err := pub.EnsureStreams(ctx); err != nil {
		log.Fatal(err)
	}

	cred := graph.NewTokenCache(cfg.GraphTenantID, cfg.GraphClientID, cfg.GraphClientSecret)
	gc, err := graph.NewClient(cred)
	if err != nil {
		log.Fatal(err)
	}

	blobs, err := newContentStore(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	resolver := thread.NewResolver(st)
	fetcher := ingest.NewAttachmentFetcher(st, gc, blobs)
	worker := ingest.NewWorker(st, gc, resolver, fetcher)

	engine := mailsync.NewEngine(gc, worker, st, cfg.BootstrapPageSize)
	manager := mailsync.NewManager(st, engine)

	consumer := queue.NewConsumer(pub, st, gc, worker)
	if err := consumer.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer consumer.Stop()

	dispatcher := queue.NewDispatcher(st, pub)
	go dispatcher.Run(ctx)

	go manager.RunPeriodic(ctx, cfg.SyncInterval)

	var validator *webhook.Validator
	if cfg.ValidateNotificationTokens {
		validator, err = webhook.NewValidator(cfg.GraphClientID)
		if err != nil {
			log.Fatal(err)
		}
	}

	subscriber := webhook.NewSubscriber(st, gc, cfg.NotificationURL, cfg.ClientStateSecret)
	if cfg.NotificationURL != "" {
		go subscriber.RunPeriodic(ctx, time.Hour)
	}

	gate := webhook.NewGate(st, pub, validator)

	r := gin.Default()

	gate.Register(r)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware([]byte(cfg.APIJWTSecret)))

	authorized.POST("/mailboxes", func(c *gin.Context) {
		var req MailboxRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		mb, err := st.CreateMailbox(c.Request.Context(), req.Address)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if cfg.NotificationURL != "" {
			if err := subscriber.EnsureSubscription(c.Request.Context(), mb); err != nil {
				log.Printf("subscription setup for %s: %v", mb.Address, err)
			}
		}

		// Establish the delta cursor right away instead of waiting for the
		// next periodic sweep.
		if err := manager.Start(ctx, mb.ID); err != nil {
			log.Printf("initial sync for %s: %v", mb.Address, err)
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      mb.ID,
			"address": mb.Address,
		})
	})

	authorized.GET("/mailboxes", func(c *gin.Context) {
		mailboxes, err := st.ListMailboxes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mailboxes)
	})

	authorized.POST("/mailboxes/:id/sync", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mailbox id"})
			return
		}

		if err := manager.Start(ctx, id); err != nil {
			status := http.StatusConflict
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"success": true})
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		manager.StopAll()
	}()

	log.Printf("listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func newContentStore(ctx context.Context, cfg config.Config) (content.Store, error) {
	if cfg.AttachmentBackend == "gcs" {
		return content.NewGCS(ctx, cfg.GCSBucket)
	}
	return content.NewLocal(cfg.AttachmentDir)
}

func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})

		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok {
				c.Set("subject", sub)
			}
		}
		c.Next()
	}
}
