package scoring

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"

	"flowsentry/internal/codec"
)

// Transform 对特征矩阵做训练期固定参数的变换。
type Transform interface {
	Apply(matrix [][]float64) ([][]float64, error)
}

// Classifier 是离线训练产物的推理能力：标签与正类（恶意）概率。
type Classifier interface {
	Predict(matrix [][]float64) ([]int, error)
	PredictProbability(matrix [][]float64) ([]float64, error)
}

// StandardScaler: (x - mean) / scale。
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("scaler 参数长度不一致：mean=%d scale=%d", len(s.Mean), len(s.Scale))
	}
	for i := range s.Mean {
		if !finite(s.Mean[i]) || !finite(s.Scale[i]) {
			return fmt.Errorf("scaler 第 %d 列参数非法", i)
		}
	}
	return nil
}

func (s *StandardScaler) Apply(matrix [][]float64) ([][]float64, error) {
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("第 %d 行有 %d 列，scaler 需要 %d 列", i, len(row), len(s.Mean))
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scale := s.Scale[j]
			// 训练数据中方差为 0 的列，scale 按 1 处理。
			if scale == 0 {
				scale = 1
			}
			scaled[j] = (v - s.Mean[j]) / scale
		}
		out[i] = scaled
	}
	return out, nil
}

// Tree 采用训练库导出的数组布局：children_left[i] == -1 表示叶子节点。
type Tree struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

func (t *Tree) validate(nFeatures, nClasses int) error {
	n := len(t.ChildrenLeft)
	if n == 0 || len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
		return fmt.Errorf("树的节点数组长度不一致")
	}
	for i := 0; i < n; i++ {
		l, r := t.ChildrenLeft[i], t.ChildrenRight[i]
		if l == -1 {
			if len(t.Value[i]) != nClasses {
				return fmt.Errorf("叶子 %d 的类别分布长度为 %d，需要 %d", i, len(t.Value[i]), nClasses)
			}
			continue
		}
		// 子节点下标必须严格大于父节点，保证遍历一定终止。
		if l <= i || r <= i || l >= n || r >= n {
			return fmt.Errorf("节点 %d 的子节点下标非法", i)
		}
		if t.Feature[i] < 0 || t.Feature[i] >= nFeatures {
			return fmt.Errorf("节点 %d 的特征下标 %d 越界", i, t.Feature[i])
		}
	}
	return nil
}

func (t *Tree) leaf(x []float64) []float64 {
	node := 0
	for t.ChildrenLeft[node] != -1 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.ChildrenLeft[node]
		} else {
			node = t.ChildrenRight[node]
		}
	}
	return t.Value[node]
}

// Forest 是随机森林分类器：概率为各树叶子类别分布（归一化后）的平均。
type Forest struct {
	Classes   []int  `json:"classes"`
	NFeatures int    `json:"n_features"`
	Trees     []Tree `json:"trees"`
}

func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("随机森林没有树")
	}
	if len(f.Classes) == 0 {
		return fmt.Errorf("随机森林 classes 为空")
	}
	if f.NFeatures <= 0 {
		return fmt.Errorf("随机森林 n_features 非法：%d", f.NFeatures)
	}
	for i := range f.Trees {
		if err := f.Trees[i].validate(f.NFeatures, len(f.Classes)); err != nil {
			return fmt.Errorf("第 %d 棵树：%w", i, err)
		}
	}
	return nil
}

func (f *Forest) meanProba(x []float64) ([]float64, error) {
	if len(x) != f.NFeatures {
		return nil, fmt.Errorf("特征数 %d 与模型要求的 %d 不一致", len(x), f.NFeatures)
	}
	acc := make([]float64, len(f.Classes))
	for i := range f.Trees {
		dist := f.Trees[i].leaf(x)
		var sum float64
		for _, v := range dist {
			sum += v
		}
		if sum <= 0 {
			continue
		}
		for c, v := range dist {
			acc[c] += v / sum
		}
	}
	for c := range acc {
		acc[c] /= float64(len(f.Trees))
	}
	return acc, nil
}

func (f *Forest) Predict(matrix [][]float64) ([]int, error) {
	out := make([]int, len(matrix))
	for i, x := range matrix {
		proba, err := f.meanProba(x)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行：%w", i, err)
		}
		best := 0
		for c := 1; c < len(proba); c++ {
			if proba[c] > proba[best] {
				best = c
			}
		}
		out[i] = f.Classes[best]
	}
	return out, nil
}

func (f *Forest) PredictProbability(matrix [][]float64) ([]float64, error) {
	pos := -1
	for i, c := range f.Classes {
		if c == 1 {
			pos = i
		}
	}
	out := make([]float64, len(matrix))
	for i, x := range matrix {
		proba, err := f.meanProba(x)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行：%w", i, err)
		}
		// 训练集中没有正类时，正类概率恒为 0。
		if pos >= 0 {
			out[i] = proba[pos]
		}
	}
	return out, nil
}

// Logistic 是线性模型：p = sigmoid(coef·x + intercept)。
type Logistic struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func (l *Logistic) proba(x []float64) (float64, error) {
	if len(x) != len(l.Coef) {
		return 0, fmt.Errorf("特征数 %d 与模型要求的 %d 不一致", len(x), len(l.Coef))
	}
	z := l.Intercept
	for i, v := range x {
		z += l.Coef[i] * v
	}
	return 1 / (1 + math.Exp(-z)), nil
}

func (l *Logistic) Predict(matrix [][]float64) ([]int, error) {
	probs, err := l.PredictProbability(matrix)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(probs))
	for i, p := range probs {
		if p > 0.5 {
			out[i] = 1
		}
	}
	return out, nil
}

func (l *Logistic) PredictProbability(matrix [][]float64) ([]float64, error) {
	out := make([]float64, len(matrix))
	for i, x := range matrix {
		p, err := l.proba(x)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行：%w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

type ArtifactPaths struct {
	Scaler  string `yaml:"scaler"`
	Model   string `yaml:"model"`
	Encoder string `yaml:"encoder"`
}

type Artifacts struct {
	Scaler     Transform
	Classifier Classifier
	Encoder    codec.Encoder
}

// LoadArtifacts 加载三件训练产物。scaler 与模型失败时返回 ErrStartupFatal；
// 协议编码器是可选的，缺失时只记录日志，由 codec 使用静态回退表。
func LoadArtifacts(paths ArtifactPaths) (*Artifacts, error) {
	scaler, err := LoadScaler(paths.Scaler)
	if err != nil {
		return nil, fmt.Errorf("%w：%v", ErrStartupFatal, err)
	}
	clf, err := LoadClassifier(paths.Model)
	if err != nil {
		return nil, fmt.Errorf("%w：%v", ErrStartupFatal, err)
	}
	if n := modelArity(clf); n != 0 && n != len(scaler.Mean) {
		return nil, fmt.Errorf("%w：scaler 有 %d 列而模型需要 %d 列", ErrStartupFatal, len(scaler.Mean), n)
	}

	a := &Artifacts{Scaler: scaler, Classifier: clf}
	if paths.Encoder != "" {
		enc, err := codec.LoadLabelEncoder(paths.Encoder)
		if err != nil {
			log.Printf("协议编码器不可用，使用静态回退编码：%v", err)
		} else {
			a.Encoder = enc
		}
	}
	return a, nil
}

func LoadScaler(path string) (*StandardScaler, error) {
	var s StandardScaler
	if err := readJSON(path, &s); err != nil {
		return nil, fmt.Errorf("加载 scaler 失败：%w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("加载 scaler 失败：%w", err)
	}
	return &s, nil
}

// LoadClassifier 根据 type 字段选择模型实现。
func LoadClassifier(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模型失败：%w", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("解析模型失败：%w", err)
	}
	switch head.Type {
	case "random_forest", "":
		var f Forest
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("解析随机森林失败：%w", err)
		}
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("随机森林非法：%w", err)
		}
		return &f, nil
	case "logistic_regression":
		var l Logistic
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("解析逻辑回归失败：%w", err)
		}
		if len(l.Coef) == 0 {
			return nil, fmt.Errorf("逻辑回归 coef 为空")
		}
		return &l, nil
	default:
		return nil, fmt.Errorf("不支持的模型类型：%s", head.Type)
	}
}

func modelArity(c Classifier) int {
	switch m := c.(type) {
	case *Forest:
		return m.NFeatures
	case *Logistic:
		return len(m.Coef)
	default:
		return 0
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
