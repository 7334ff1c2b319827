package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/audit"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/cache"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/httpapi/handlers"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/httpapi/middleware"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/session"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/store"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/ws"
)

type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Session struct {
		Secret   string `mapstructure:"secret"`
		TTLHours int    `mapstructure:"ttlHours"`
	} `mapstructure:"Session"`
	Collab struct {
		StaleAfterSec int  `mapstructure:"staleAfterSec"`
		GraceSec      int  `mapstructure:"graceSec"`
		FieldMode     bool `mapstructure:"fieldMode"`
	} `mapstructure:"Collab"`
}

func initConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	v := viper.New()
	v.SetConfigName("formsyncConfig")
	v.SetConfigType("yaml")
	// Works whether the binary starts from the repo root or from backend/.
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}
	defer db.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to init audit storage: %v", err)
	}

	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes.
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := audit.NewSemaphoreControl(100)
	events := audit.NewDispatcher(producer, cfg.Kafka.Topic, kafkaSem, audit.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	})

	auditStore := store.NewAuditStore(gdb)
	svc := session.NewService(
		[]byte(cfg.Session.Secret),
		time.Duration(cfg.Session.TTLHours)*time.Hour,
		auditStore,
		events,
	)

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(ws.HubOptions{
		Presence:   presenceCache,
		Snapshots:  store.NewSnapshotStore(db),
		Events:     events,
		Sem:        audit.NewSemaphoreControl(100),
		StaleAfter: time.Duration(cfg.Collab.StaleAfterSec) * time.Second,
		Grace:      time.Duration(cfg.Collab.GraceSec) * time.Second,
		FieldMode:  cfg.Collab.FieldMode,
	})
	go hub.Run(context.Background())

	manager := ws.NewManager(hub)
	sessions := handlers.NewSessions(svc, hub, presenceCache)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// Same local-dev origins the websocket upgrade accepts.
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			for _, p := range []string{
				"http://localhost",
				"http://127.0.0.1",
				"https://localhost",
				"https://127.0.0.1",
			} {
				if strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.POST("/sessions/join", sessions.Join)
	r.POST("/sessions/leave", sessions.Leave)

	collab := r.Group("/collab")
	collab.Use(middleware.SessionAuth(svc))
	collab.GET("/ws", manager.WebSocketConnect)
	collab.GET("/sessions/:formId", sessions.Info)
	collab.GET("/forms", sessions.ActiveForms)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	log.Printf("formsync server listening on :%d", cfg.Running.Port)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
