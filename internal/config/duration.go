package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 允许以 "5s"、"24h" 形式书写时长，YAML 与 JSON 通用。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String 实现 fmt.Stringer。
func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(raw string) (Duration, error) {
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("无效的时长 %q: %w", raw, err)
	}
	return Duration(v), nil
}

// UnmarshalJSON 接受字符串或纳秒数。
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("无效的时长 %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
