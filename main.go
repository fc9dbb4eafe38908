package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inboxflow/inboxflow/agent"
	"github.com/inboxflow/inboxflow/config"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage (redis|postgres|memory)")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "inboxflow", "namespace used in storage")
	cmd.Flags().String("postgres-dsn", "", "postgres connection string")
	cmd.Flags().String("flows-dir", "", "directory of yaml flow definitions loaded at startup")
	cmd.Flags().Duration("poll-interval", 1*time.Second, "interval between due-job and timeout polls")
	cmd.Flags().Duration("reap-interval", 30*time.Second, "interval between stale lock sweeps")
	cmd.Flags().Duration("stale-lock-threshold", 5*time.Minute, "age after which a processing lock is considered abandoned")
	cmd.Flags().Int("due-batch-size", 100, "max wake-ups claimed per poll")
	cmd.Flags().Int("hop-cap", 50, "max auto-advance hops per trigger")
	cmd.Flags().Int("fault-budget", 3, "consecutive retryable faults before a session expires")
	cmd.Flags().Int("worker-capacity", 512, "session executor queue capacity")
	cmd.Flags().String("messaging-url", "", "messaging provider base url")
	cmd.Flags().String("ai-url", "", "ai provider base url")
	cmd.Flags().String("tag-url", "", "contact tagging provider base url")
	cmd.Flags().String("transfer-url", "", "human handoff provider base url")
	cmd.Flags().String("provider-api-key", "", "bearer token for provider calls")
	cmd.Flags().Int("provider-retry-count", 3, "provider call retries before the failure is reported")
	cmd.Flags().Duration("provider-retry-wait", 500*time.Millisecond, "base wait between provider retries")
	cmd.Flags().Bool("debug", false, "enable debug logging")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.PostgresConfig.DSN = viper.GetString("postgres-dsn")
	c.cfg.FlowsDir = viper.GetString("flows-dir")
	c.cfg.PollInterval = viper.GetDuration("poll-interval")
	c.cfg.ReapInterval = viper.GetDuration("reap-interval")
	c.cfg.StaleLockThreshold = viper.GetDuration("stale-lock-threshold")
	c.cfg.DueBatchSize = viper.GetInt("due-batch-size")
	c.cfg.HopCap = viper.GetInt("hop-cap")
	c.cfg.FaultBudget = viper.GetInt("fault-budget")
	c.cfg.WorkerCapacity = viper.GetInt("worker-capacity")
	c.cfg.Providers.MessagingURL = viper.GetString("messaging-url")
	c.cfg.Providers.AIURL = viper.GetString("ai-url")
	c.cfg.Providers.TagURL = viper.GetString("tag-url")
	c.cfg.Providers.TransferURL = viper.GetString("transfer-url")
	c.cfg.Providers.APIKey = viper.GetString("provider-api-key")
	c.cfg.Providers.RetryCount = viper.GetInt("provider-retry-count")
	c.cfg.Providers.RetryWaitTime = viper.GetDuration("provider-retry-wait")
	c.cfg.Debug = viper.GetBool("debug")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger.Init(c.cfg.Debug)
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	if err := agent.Start(); err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "inboxflow",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
