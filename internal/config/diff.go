package config

import (
	"reflect"

	logx "studiobot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns safe log fields. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if oldCfg.AppEnv != newCfg.AppEnv {
		changed = append(changed, "app_env")
		attrs = append(attrs, logx.String("app_env", newCfg.AppEnv))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Bots, newCfg.Bots) {
		changed = append(changed, "bots")
		attrs = append(attrs,
			logx.Int("bots.breaker_threshold", newCfg.Bots.BreakerThreshold),
			logx.String("bots.breaker_timeout", newCfg.Bots.BreakerTimeout),
			logx.String("bots.timeout", newCfg.Bots.Timeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.overrides", len(newCfg.Scheduler.Tasks)),
		)
	}
	if !reflect.DeepEqual(oldCfg.AutoDeploy, newCfg.AutoDeploy) {
		changed = append(changed, "auto_deploy")
		attrs = append(attrs,
			logx.Bool("auto_deploy.enabled", newCfg.AutoDeploy.Enabled),
			logx.Int("auto_deploy.max_per_hour", newCfg.AutoDeploy.MaxPerHour),
			logx.String("auto_deploy.delay", newCfg.AutoDeploy.Delay),
		)
	}
	if redactDeploy(oldCfg.Deploy) != redactDeploy(newCfg.Deploy) {
		changed = append(changed, "deploy")
		attrs = append(attrs,
			logx.String("deploy.base_url", newCfg.Deploy.BaseURL),
			logx.Bool("deploy.token_set", newCfg.Deploy.Token != ""),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.Notifier.Enabled))
	}
	if !reflect.DeepEqual(redactTelegram(oldCfg.Telegram), redactTelegram(newCfg.Telegram)) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Int("telegram.chats", len(newCfg.Telegram.ChatIDs)),
		)
	}
	if redactAdmin(oldCfg.Admin) != redactAdmin(newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "bots", "admin", "deploy", "telegram", "app_env":
			out = append(out, s)
		}
	}
	return out
}

const secretSet = "<set>"

func redactDeploy(d DeployConfig) DeployConfig {
	if d.Token != "" {
		d.Token = secretSet
	}
	return d
}

func redactTelegram(t TelegramConfig) TelegramConfig {
	if t.Token != "" {
		t.Token = secretSet
	}
	return t
}

func redactAdmin(a AdminConfig) AdminConfig {
	if a.Token != "" {
		a.Token = secretSet
	}
	return a
}
