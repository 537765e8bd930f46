package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"educollab/backend/internal/auth"
	"educollab/backend/internal/cache"
	"educollab/backend/internal/collab"
	"educollab/backend/internal/httpapi/handlers"
	"educollab/backend/internal/store"
	"educollab/backend/internal/ws"
)

type CollabConfig struct {
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
	Collab struct {
		GracePeriodSec  int `mapstructure:"gracePeriodSec"`
		ReapIntervalSec int `mapstructure:"reapIntervalSec"`
		StaleAfterMin   int `mapstructure:"staleAfterMin"`
		AutosaveEvery   int `mapstructure:"autosaveEvery"`
	} `mapstructure:"Collab"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
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
	log.Printf("config: %+v", cfg)

	// 单节点传 1 个地址即普通客户端，多地址自动走 cluster
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gdb, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer sqlDB.Close()

	// SyncProducer 必须开启 Return.Successes
	kafkaCfg := sarama.NewConfig()
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	gateway := store.NewDocumentGateway(gdb)
	verifier := store.NewAccessVerifier(gdb)
	users := store.NewUserStore(gdb)
	snapshots := store.NewSnapshotStore(sqlDB)

	kafkaSem := collab.NewSemaphore(100)
	wsSem := collab.NewSemaphore(100)

	// Kafka 本地队列 + worker 重试发送
	dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
	defer dispatcher.Close()

	bus := collab.NewBus()
	registry := collab.NewRegistry(gateway, verifier, users, bus, snapshots, dispatcher,
		collab.Config{
			GracePeriod:   time.Duration(cfg.Collab.GracePeriodSec) * time.Second,
			ReapInterval:  time.Duration(cfg.Collab.ReapIntervalSec) * time.Second,
			StaleAfter:    time.Duration(cfg.Collab.StaleAfterMin) * time.Minute,
			AutosaveEvery: cfg.Collab.AutosaveEvery,
		})

	reaper := collab.NewReaper(registry)
	go reaper.Run()
	defer reaper.Stop()

	manager := ws.NewManager(registry, presenceCache, wsSem)
	collabAPI := handlers.NewCollab(registry, presenceCache)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	api := r.Group("/collab")
	api.Use(auth.Middleware())
	api.GET("/ws", manager.WebSocketConnect)
	api.GET("/sessions/:docType/:docId/state", collabAPI.GetState)
	api.GET("/sessions/:docType/:docId/presence", collabAPI.GetPresence)
	api.GET("/sessions/mine", collabAPI.GetMySessions)
	api.GET("/rooms", collabAPI.GetRooms)

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
