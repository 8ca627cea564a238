/*
Package config loads dispatch settings from a YAML or JSON file and the
environment.

# Overview

Load reads a file and returns its eventcore section; a file without one is
rejected with ErrNoSection. Section offers typed lookups that fall back to a
default for missing or malformed values. SettingsFrom turns a section into
the Settings the engine consumes and rejects keys it does not know.

# Basic Usage

	sec, err := config.Load("game.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	settings, err := config.SettingsFrom(sec)
	if err != nil {
	    log.Fatal(err)
	}
	if err := settings.ApplyEnv(); err != nil {
	    log.Fatal(err)
	}

Or in one step, including validation:

	settings, err := config.LoadSettings("game.yaml")

# File Format

	eventcore:
	  max_retry_attempts: 5
	  batch_size: 10
	  attempt_timeout: 5s
	  flush_interval: 1s
	  dedupe_window: 1m
	  dead_letter_path: ./dead_letters.db

Other top-level keys are ignored, so the block can live in a game's own
settings file. Durations accept strings ("30s", "1h30m") or numbers of
seconds.

# Environment

Every setting can be overridden with an EVENTCORE_ variable, for example
EVENTCORE_MAX_RETRY_ATTEMPTS=3 or EVENTCORE_ATTEMPT_TIMEOUT=2s. The
environment wins over the file.
*/
package config
