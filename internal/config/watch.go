package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// WatchFiles watches path and any extra paths (e.g. the pinned auth public
// key) for changes, invoking onChange with the path that changed. Errors
// from the watcher are logged and otherwise ignored — a missed reload is
// recoverable, a crashed root process is not.
func WatchFiles(paths []string, onChange func(path string)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			log.Printf("config: watch %s: %v", p, err)
		}
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config: watch error: %v", err)
			}
		}
	}()
	return w, nil
}
