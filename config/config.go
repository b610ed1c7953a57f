package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Worker struct {
		Addr string `yaml:"addr"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Pipeline struct {
		// 大纲生成单步超时（秒）
		StepTimeout int `yaml:"step_timeout"`
	} `yaml:"pipeline"`
	Compose struct {
		// 合成轮询间隔（秒）与最大次数，超出即判定超时
		PollInterval int `yaml:"poll_interval"`
		MaxPolls     int `yaml:"max_polls"`
	} `yaml:"compose"`
	Reconcile struct {
		// 卡住判定阈值（分钟）：非 pending 状态但产物缺失且长时间未更新
		StuckAfter int `yaml:"stuck_after"`
	} `yaml:"reconcile"`
}

var AppConfig *Config

func InitConfig() {
	// .env 可覆盖敏感配置（DSN / Redis / Worker 地址），没有 .env 不报错
	_ = godotenv.Load()

	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}

	applyEnvOverrides(AppConfig)
	applyDefaults(AppConfig)
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MW_MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("MW_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MW_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MW_WORKER_ADDR"); v != "" {
		c.Worker.Addr = v
	}
	if v := os.Getenv("MW_SERVER_PORT"); v != "" {
		c.Server.Port = v
	}
}

func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Pipeline.StepTimeout <= 0 {
		c.Pipeline.StepTimeout = 300
	}
	if c.Compose.PollInterval <= 0 {
		c.Compose.PollInterval = 3
	}
	if c.Compose.MaxPolls <= 0 {
		c.Compose.MaxPolls = 600
	}
	if c.Reconcile.StuckAfter <= 0 {
		c.Reconcile.StuckAfter = 30
	}
}
