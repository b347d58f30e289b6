package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听本地配置文件变化, 变化时重建配置快照并通知订阅者。
// 配置值本身是不可变的; 订阅者收到的是新的完整快照。
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	subs    []chan *Config
	watcher *fsnotify.Watcher
	path    string
	logger  *zap.Logger
	done    chan struct{}
}

// NewWatcher 创建配置监听器
func NewWatcher(initial *Config, path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		current: initial,
		watcher: fw,
		path:    path,
		logger:  logger,
		done:    make(chan struct{}),
	}

	if path != "" {
		if err := fw.Add(path); err != nil {
			logger.Warn("Config file not watchable, hot reload disabled",
				zap.String("path", path), zap.Error(err))
		}
	}

	go w.loop()
	return w, nil
}

// Current 返回当前配置快照
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe 订阅配置变化
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subs = append(w.subs, ch)
	return ch
}

// Close 停止监听
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFrom(w.path)
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous snapshot",
					zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.current = cfg
			subs := make([]chan *Config, len(w.subs))
			copy(subs, w.subs)
			w.mu.Unlock()

			w.logger.Info("Config reloaded", zap.String("path", w.path))
			for _, ch := range subs {
				select {
				case ch <- cfg:
				default:
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
