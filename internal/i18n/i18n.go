package i18n

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

var lang = "en"

// Keys ending in .one/.other are plural forms selected by N. Languages
// without a singular form only define .other.
var messages = map[string]map[string]string{
	"en": {
		// Sync stages
		"stage.idle":                "Idle",
		"stage.preparing":           "Preparing",
		"stage.sending_device_info": "Exchanging device info",
		"stage.waiting_data":        "Waiting for data",
		"stage.processing_data":     "Processing data",
		"stage.merging_data":        "Merging",
		"stage.completed":           "Sync complete",
		"stage.failed":              "Sync failed",

		// Sync results
		"summary.added.one":       "1 transaction added",
		"summary.added.other":     "%d transactions added",
		"summary.duplicate.one":   "1 duplicate skipped",
		"summary.duplicate.other": "%d duplicates skipped",
		"summary.category.one":    "1 category added",
		"summary.category.other":  "%d categories added",
		"summary.rate.one":        "1 exchange rate updated",
		"summary.rate.other":      "%d exchange rates updated",
		"summary.currency":        "currency settings updated",
		"summary.separator":       ", ",
		"summary.failed":          "sync failed",
		"summary.failed_with":     "sync failed: %s",

		// Sync command
		"sync.synced":    "Synced with %s: %s",
		"sync.cancelled": "Sync cancelled",
		"sync.stopped":   "Sync stopped before completing",
		"sync.peer":      "peer",
	},
	"zh": {
		"stage.idle":                "空闲",
		"stage.preparing":           "准备中",
		"stage.sending_device_info": "交换设备信息",
		"stage.waiting_data":        "等待数据",
		"stage.processing_data":     "处理数据",
		"stage.merging_data":        "合并中",
		"stage.completed":           "同步完成",
		"stage.failed":              "同步失败",

		"summary.added.other":     "新增 %d 笔交易",
		"summary.duplicate.other": "跳过 %d 笔重复",
		"summary.category.other":  "新增 %d 个分类",
		"summary.rate.other":      "更新 %d 个汇率",
		"summary.currency":        "已更新货币设置",
		"summary.separator":       "，",
		"summary.failed":          "同步失败",
		"summary.failed_with":     "同步失败：%s",

		"sync.synced":    "已与 %s 同步：%s",
		"sync.cancelled": "同步已取消",
		"sync.stopped":   "同步未完成即停止",
		"sync.peer":      "对方设备",
	},
}

// T translates a message key with optional format arguments
func T(key string, args ...any) string {
	msg := lookup(key)
	if msg == "" {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}

// N translates a counted message, choosing the plural form for n
func N(key string, n int) string {
	if n == 1 {
		if msg := messages[lang][key+".one"]; msg != "" {
			return msg
		}
	}
	msg := messages[lang][key+".other"]
	if msg == "" {
		if n == 1 {
			msg = messages["en"][key+".one"]
		}
		if msg == "" {
			msg = messages["en"][key+".other"]
		}
	}
	if msg == "" {
		return key
	}
	if strings.Contains(msg, "%d") {
		return fmt.Sprintf(msg, n)
	}
	return msg
}

func lookup(key string) string {
	if msg := messages[lang][key]; msg != "" {
		return msg
	}
	return messages["en"][key]
}

// Name picks between a category's Chinese and English names for the
// current language
func Name(name, english string) string {
	if lang != "zh" && english != "" {
		return english
	}
	return name
}

// SetLang sets the current language. Unknown languages are ignored.
func SetLang(l string) {
	l = normalizeLocale(strings.TrimSpace(l))
	if _, ok := messages[l]; ok {
		lang = l
	}
}

// GetLang returns the current language
func GetLang() string {
	return lang
}

// DetectLang detects the user's preferred language from environment
func DetectLang() string {
	for _, env := range []string{"CNOTE_LANG", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if l := os.Getenv(env); l != "" {
			return normalizeLocale(l)
		}
	}
	return "en"
}

// normalizeLocale extracts a 2-letter language code from a locale string
func normalizeLocale(locale string) string {
	// "zh_CN.UTF-8" -> "zh_CN"
	if idx := strings.Index(locale, "."); idx > 0 {
		locale = locale[:idx]
	}
	if idx := strings.IndexAny(locale, "_-"); idx > 0 {
		locale = locale[:idx]
	}

	locale = strings.ToLower(locale)
	if len(locale) >= 2 {
		return locale[:2]
	}
	return "en"
}

// Init initializes i18n with the configured language, or the detected one
// when none is configured
func Init(configuredLang string) {
	if configuredLang != "" {
		SetLang(configuredLang)
	} else {
		SetLang(DetectLang())
	}
}

// AvailableLanguages returns the supported language codes
func AvailableLanguages() []string {
	langs := make([]string, 0, len(messages))
	for l := range messages {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}
