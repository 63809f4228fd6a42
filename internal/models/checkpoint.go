package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint 检查点,与输出文件并存,记录续跑位置
type Checkpoint struct {
	RunID      string `json:"run_id"`
	Target     string `json:"target"`      // 目标站点
	InputPath  string `json:"input_path"`  // 输入文件
	OutputPath string `json:"output_path"` // 输出文件

	// 进度信息
	CurrentGameIndex int         `json:"current_game_index"` // 下一条待处理记录
	TotalCount       int         `json:"total_count"`
	Status           BatchStatus `json:"status"`
	PauseReason      string      `json:"pause_reason,omitempty"`

	// 时间戳
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointFilename 检查点文件路径
func CheckpointFilename(outputPath string) string {
	return outputPath + ".checkpoint.json"
}

// ToJSON 序列化为JSON
func (c *Checkpoint) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// FromJSON 从JSON反序列化
func (c *Checkpoint) FromJSON(data []byte) error {
	return json.Unmarshal(data, c)
}

// SaveToFile 保存到文件,先写临时文件再改名
func (c *Checkpoint) SaveToFile(path string) error {
	data, err := c.ToJSON()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadCheckpointFromFile 从文件加载
func LoadCheckpointFromFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cp Checkpoint
	if err := cp.FromJSON(data); err != nil {
		return nil, err
	}

	return &cp, nil
}
