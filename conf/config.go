package conf

import (
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xengine/logger"
)

// Cfg 存储引擎配置
//
// Example my.ini:
//
//	[engine]
//	data_dir         = /var/lib/xengine
//	page_size        = 1024
//	buffer_frames    = 1024
//	lock_buckets     = 1024
//
//	[logs]
//	log_level = info
//	log_path  = /var/log/xengine/engine.log
type Cfg struct {
	Raw *ini.File

	// engine
	DataDir      string
	PageSize     int
	BufferFrames int
	LockBuckets  int

	// logs
	LogLevel string
	LogPath  string
}

// NewDefaultCfg 返回默认配置
func NewDefaultCfg() *Cfg {
	return &Cfg{
		DataDir:      "data",
		PageSize:     1024,
		BufferFrames: 1024,
		LockBuckets:  1024,
		LogLevel:     "info",
		LogPath:      "",
	}
}

// Load 从ini文件加载配置
func (cfg *Cfg) Load(configPath string) error {
	raw, err := ini.Load(configPath)
	if err != nil {
		return errors.Annotatef(err, "load config %s", configPath)
	}
	cfg.Raw = raw

	engine := raw.Section("engine")
	if v := engine.Key("data_dir").String(); v != "" {
		cfg.DataDir = v
	}
	if v, err := engine.Key("page_size").Int(); err == nil && v > 0 {
		cfg.PageSize = v
	}
	if v, err := engine.Key("buffer_frames").Int(); err == nil && v > 0 {
		cfg.BufferFrames = v
	}
	if v, err := engine.Key("lock_buckets").Int(); err == nil && v > 0 {
		cfg.LockBuckets = v
	}

	logs := raw.Section("logs")
	if v := logs.Key("log_level").String(); v != "" {
		cfg.LogLevel = v
	}
	if v := logs.Key("log_path").String(); v != "" {
		cfg.LogPath = v
	}
	return nil
}

// NewCfg 加载配置文件并初始化日志, configPath为空时使用默认配置
func NewCfg(configPath string) (*Cfg, error) {
	cfg := NewDefaultCfg()
	if configPath != "" {
		if err := cfg.Load(configPath); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := logger.InitLogger(logger.LogConfig{
		LogPath:  cfg.LogPath,
		LogLevel: cfg.LogLevel,
	}); err != nil {
		logger.Warnf("logger init failed: %v", err)
	}
	logger.Debugf("config loaded: data_dir=%s page_size=%d buffer_frames=%d",
		cfg.DataDir, cfg.PageSize, cfg.BufferFrames)
	return cfg, nil
}

// SegmentFilePath 返回段文件的绝对路径
func (cfg *Cfg) SegmentFilePath(name string) string {
	return filepath.Join(cfg.DataDir, name)
}
