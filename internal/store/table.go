// Package store 读写匹配任务的输入输出表格(xlsx)
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

// 结果列,顺序固定
const (
	ColMatchedOwner = "匹配著作权人"
	ColResultCount  = "结果数量"
	ColNameMatch    = "名称匹配"
	ColOperator     = "运营方匹配"
	ColReview       = "需人工复核"
)

// ResultColumns 追加到输入表之后的结果列
var ResultColumns = []string{ColMatchedOwner, ColResultCount, ColNameMatch, ColOperator, ColReview}

const (
	flagYes = "是"
	flagNo  = "否"
)

// 默认输入列名
const (
	DefaultPrimaryColumn   = "游戏名称"
	DefaultAuxiliaryColumn = "运营单位"
)

// InputOptions 输入表格的列配置
type InputOptions struct {
	Sheet           string `mapstructure:"sheet"` // 为空时使用第一个工作表
	PrimaryColumn   string `mapstructure:"primary_column"`
	AuxiliaryColumn string `mapstructure:"auxiliary_column"`
}

func (o InputOptions) withDefaults() InputOptions {
	if strings.TrimSpace(o.PrimaryColumn) == "" {
		o.PrimaryColumn = DefaultPrimaryColumn
	}
	if strings.TrimSpace(o.AuxiliaryColumn) == "" {
		o.AuxiliaryColumn = DefaultAuxiliaryColumn
	}
	return o
}

// DerivedOutputPath 由输入路径推导输出路径: <dir>/<base>_<target>_result.xlsx
func DerivedOutputPath(inputPath, target string) string {
	dir := filepath.Dir(inputPath)
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(dir, fmt.Sprintf("%s_%s_result.xlsx", base, target))
}

func resolveSheet(f *excelize.File, name string) (string, error) {
	if name == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return "", errors.New("工作簿中没有工作表")
		}
		return list[0], nil
	}
	for _, s := range f.GetSheetList() {
		if s == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("工作表不存在: %s", name)
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// LoadRecords 读取输入表格,跳过游戏名称为空的行
func LoadRecords(path string, opts InputOptions) ([]models.WorkRecord, error) {
	opts = opts.withDefaults()

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("打开输入文件失败: %w", err)
	}
	defer f.Close()

	sheet, err := resolveSheet(f, opts.Sheet)
	if err != nil {
		return nil, err
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("读取工作表 %s 失败: %w", sheet, err)
	}
	return recordsFromRows(rows, opts)
}

func recordsFromRows(rows [][]string, opts InputOptions) ([]models.WorkRecord, error) {
	if len(rows) == 0 {
		return nil, errors.New("输入表格为空")
	}

	header := rows[0]
	primary := columnIndex(header, opts.PrimaryColumn)
	if primary < 0 {
		return nil, fmt.Errorf("输入表格缺少列: %s", opts.PrimaryColumn)
	}
	aux := columnIndex(header, opts.AuxiliaryColumn)

	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []models.WorkRecord
	for i, row := range rows[1:] {
		key := cell(row, primary)
		if key == "" {
			continue
		}
		records = append(records, models.WorkRecord{
			Index:        len(records),
			RowID:        i + 2,
			PrimaryKey:   key,
			AuxiliaryKey: cell(row, aux),
		})
	}
	return records, nil
}

// OutputTable 输出表格: 输入表的副本加上结果列
type OutputTable struct {
	path     string
	sheet    string
	file     *excelize.File
	firstCol int // 第一个结果列(从1开始)
	resumed  bool
}

// OpenOutput 打开输出表格,已存在时直接沿用其内容,否则从输入表复制
func OpenOutput(inputPath, outputPath string, opts InputOptions) (*OutputTable, error) {
	source := inputPath
	resumed := false
	if _, err := os.Stat(outputPath); err == nil {
		source = outputPath
		resumed = true
	}

	f, err := excelize.OpenFile(source)
	if err != nil {
		return nil, fmt.Errorf("打开表格失败 %s: %w", source, err)
	}

	sheet, err := resolveSheet(f, opts.Sheet)
	if err != nil {
		f.Close()
		return nil, err
	}

	t := &OutputTable{path: outputPath, sheet: sheet, file: f, resumed: resumed}
	if err := t.ensureColumns(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// ensureColumns 表头中没有结果列时追加到最后一列之后
func (t *OutputTable) ensureColumns() error {
	rows, err := t.file.GetRows(t.sheet)
	if err != nil {
		return fmt.Errorf("读取表头失败: %w", err)
	}
	var header []string
	if len(rows) > 0 {
		header = rows[0]
	}

	if idx := columnIndex(header, ColMatchedOwner); idx >= 0 {
		for i, name := range ResultColumns {
			if columnIndex(header, name) != idx+i {
				return fmt.Errorf("输出表格的结果列顺序不正确: %s", name)
			}
		}
		t.firstCol = idx + 1
		return nil
	}

	last := len(header)
	for last > 0 && strings.TrimSpace(header[last-1]) == "" {
		last--
	}
	t.firstCol = last + 1
	for i, name := range ResultColumns {
		cell, err := excelize.CoordinatesToCellName(t.firstCol+i, 1)
		if err != nil {
			return err
		}
		if err := t.file.SetCellValue(t.sheet, cell, name); err != nil {
			return fmt.Errorf("写入表头失败: %w", err)
		}
	}
	return nil
}

// Path 输出文件路径
func (t *OutputTable) Path() string { return t.path }

// Resumed 是否沿用了已有的输出文件
func (t *OutputTable) Resumed() bool { return t.resumed }

func (t *OutputTable) cellName(offset, row int) string {
	name, _ := excelize.CoordinatesToCellName(t.firstCol+offset, row)
	return name
}

func yesNo(b bool) string {
	if b {
		return flagYes
	}
	return flagNo
}

// ReviewCell 复核列的内容: 否 / 是 / 是: 原因
func ReviewCell(r models.MatchResult) string {
	if !r.NeedsManualReview {
		return flagNo
	}
	if r.ReviewReason == "" {
		return flagYes
	}
	return flagYes + ": " + r.ReviewReason
}

// SetResult 按记录的行号写入结果
func (t *OutputTable) SetResult(rec models.WorkRecord, r models.MatchResult) error {
	if rec.RowID < 2 {
		return fmt.Errorf("无效的行号: %d", rec.RowID)
	}
	values := []interface{}{
		r.MatchedOwner,
		r.ResultCount,
		yesNo(r.NameMatches),
		yesNo(r.OperatorMatches),
		ReviewCell(r),
	}
	for i, v := range values {
		if err := t.file.SetCellValue(t.sheet, t.cellName(i, rec.RowID), v); err != nil {
			return fmt.Errorf("写入第%d行失败: %w", rec.RowID, err)
		}
	}
	return nil
}

// Result 读取某一行的结果,结果列为空时返回 false
func (t *OutputTable) Result(rowID int) (models.MatchResult, bool) {
	get := func(offset int) string {
		v, _ := t.file.GetCellValue(t.sheet, t.cellName(offset, rowID))
		return strings.TrimSpace(v)
	}

	review := get(4)
	if review == "" {
		return models.MatchResult{}, false
	}

	r := models.MatchResult{
		MatchedOwner:    get(0),
		NameMatches:     get(2) == flagYes,
		OperatorMatches: get(3) == flagYes,
	}
	r.ResultCount, _ = strconv.Atoi(get(1))
	if strings.HasPrefix(review, flagYes) {
		r.NeedsManualReview = true
		r.ReviewReason = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(review, flagYes), ":"))
	}
	return r, true
}

// Rows 输出结果的文本形式,用于保存失败时写入日志
func (t *OutputTable) Rows() ([][]string, error) {
	return t.file.GetRows(t.sheet)
}

// Save 写入临时文件后改名,失败时返回 ErrPersistence
func (t *OutputTable) Save() error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, ".gc-output-*.xlsx")
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := t.file.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s 可能被其他程序占用: %w", models.ErrPersistence, t.path, err)
	}
	return nil
}

// DumpFallback 输出文件无法写入时,在系统临时目录保存副本并把内容写入日志
func (t *OutputTable) DumpFallback() (string, error) {
	base := strings.TrimSuffix(filepath.Base(t.path), filepath.Ext(t.path))
	fallback := filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s.xlsx", base, time.Now().Format("20060102_150405")))

	var saveErr error
	if out, err := os.Create(fallback); err != nil {
		saveErr = err
	} else {
		if _, err := t.file.WriteTo(out); err != nil {
			saveErr = err
		}
		if err := out.Close(); err != nil && saveErr == nil {
			saveErr = err
		}
	}

	if rows, err := t.Rows(); err == nil {
		for i, row := range rows {
			log.Warn().Int("row", i+1).Strs("cells", row).Msg("未保存的结果")
		}
	}

	if saveErr != nil {
		return "", fmt.Errorf("保存备用文件失败: %w", saveErr)
	}
	log.Warn().Str("path", fallback).Msg("结果已保存到备用文件")
	return fallback, nil
}

// Close 关闭工作簿
func (t *OutputTable) Close() error {
	return t.file.Close()
}
