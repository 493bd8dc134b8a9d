// Package taxonomy 维护封闭的文档类型集合与每类型的结构化schema
package taxonomy

import "fmt"

// FieldKind 标准化字段的基础类型，用于生成schema渲染与prompt
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindDate   FieldKind = "date"
	KindPeriod FieldKind = "period" // {startDate,endDate}
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
)

// FieldSchema 单个标准化字段的描述
type FieldSchema struct {
	Name        string
	Kind        FieldKind
	Required    bool
	Description string
	Properties  []FieldSchema // Kind==object|array时的子字段
}

// TypeSchema 单个文档类型的完整描述：分类枚举成员 + 标准化schema
type TypeSchema struct {
	DocumentType string
	Description  string
	Fields       []FieldSchema
}

// OtherUnclassified/OtherIrrelevant/Splitted 不参与严格分类枚举的保留值，由orchestrator直接处理
const (
	OtherUnclassified = "other.unclassified"
	OtherIrrelevant   = "other.irrelevant"
	Splitted          = "splitted"
)

var registry = map[string]TypeSchema{
	"income.payslip": {
		DocumentType: "income.payslip",
		Description:  "工资单",
		Fields: []FieldSchema{
			{Name: "payPeriod", Kind: KindPeriod, Required: true, Description: "发薪周期"},
			{Name: "grossAmount", Kind: KindNumber, Description: "税前金额"},
			{Name: "netAmount", Kind: KindNumber, Description: "实发金额"},
			{Name: "employerName", Kind: KindString},
		},
	},
	"identity.passport": {
		DocumentType: "identity.passport",
		Description:  "护照",
		Fields: []FieldSchema{
			{Name: "fullName", Kind: KindString, Required: true},
			{Name: "documentNumber", Kind: KindString, Required: true},
			{Name: "issueDate", Kind: KindDate},
			{Name: "expiryDate", Kind: KindDate},
		},
	},
	"finance.bank_statement": {
		DocumentType: "finance.bank_statement",
		Description:  "银行对账单",
		Fields: []FieldSchema{
			{Name: "bankStatementPeriod", Kind: KindPeriod, Required: true},
			{Name: "accountHolder", Kind: KindString},
			{Name: "closingBalance", Kind: KindNumber},
		},
	},
	"insurance.coverage": {
		DocumentType: "insurance.coverage",
		Description:  "保险保单",
		Fields: []FieldSchema{
			{Name: "coveragePeriod", Kind: KindPeriod, Required: true},
			{Name: "insurer", Kind: KindString},
		},
	},
	"employment.probation": {
		DocumentType: "employment.probation",
		Description:  "试用期证明",
		Fields: []FieldSchema{
			{Name: "probationPeriod", Kind: KindPeriod, Required: true},
			{Name: "employerName", Kind: KindString},
		},
	},
	"finance.bill": {
		DocumentType: "finance.bill",
		Description:  "账单",
		Fields: []FieldSchema{
			{Name: "billDate", Kind: KindDate, Required: true},
			{Name: "amountDue", Kind: KindNumber},
		},
	},
	"finance.receipt": {
		DocumentType: "finance.receipt",
		Description:  "收据",
		Fields: []FieldSchema{
			{Name: "receiptDate", Kind: KindDate, Required: true},
			{Name: "amount", Kind: KindNumber},
		},
	},
	"education.transcript": {
		DocumentType: "education.transcript",
		Description:  "成绩单",
		Fields: []FieldSchema{
			{Name: "academicYear", Kind: KindString, Description: "形如 YYYY/YYYY"},
			{Name: "institution", Kind: KindString},
		},
	},
	"tax.statement": {
		DocumentType: "tax.statement",
		Description:  "纳税申报单",
		Fields: []FieldSchema{
			{Name: "fiscalYear", Kind: KindString, Description: "形如 YYYY"},
		},
	},
}

// fallbackSchema 未登记类型或验证耗尽后的兜底schema
var fallbackSchema = TypeSchema{
	DocumentType: OtherUnclassified,
	Description:  "未分类文档",
	Fields: []FieldSchema{
		{Name: "dates", Kind: KindObject, Properties: []FieldSchema{
			{Name: "issueDate", Kind: KindDate},
			{Name: "expiryDate", Kind: KindDate},
		}},
	},
}

// IDs 返回封闭分类枚举的全部文档类型id，按注册顺序不保证但内容固定
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}

// IsMember 判断一个documentType是否属于 Taxonomy ∪ {other.unclassified, other.irrelevant, splitted}
func IsMember(documentType string) bool {
	if documentType == OtherUnclassified || documentType == OtherIrrelevant || documentType == Splitted {
		return true
	}
	_, ok := registry[documentType]
	return ok
}

// SchemaFor 返回documentType对应的结构化schema；未登记类型回退到unclassified schema
func SchemaFor(documentType string) TypeSchema {
	if s, ok := registry[documentType]; ok {
		return s
	}
	return fallbackSchema
}

// RenderForPrompt 把schema渲染成注入分类/标准化系统提示词的文本表示
// 按DESIGN NOTE的建议，封闭taxonomy下这一渲染可以在构建期静态生成；
// 这里按需生成，成本可忽略。
func (s TypeSchema) RenderForPrompt() string {
	out := fmt.Sprintf("documentType: %s (%s)\nfields:\n", s.DocumentType, s.Description)
	for _, f := range s.Fields {
		req := ""
		if f.Required {
			req = " required"
		}
		out += fmt.Sprintf("  - %s: %s%s %s\n", f.Name, f.Kind, req, f.Description)
	}
	return out
}

// RenderTaxonomyForPrompt 渲染完整taxonomy枚举，供分类prompt使用
func RenderTaxonomyForPrompt() string {
	out := "合法的documentType取值:\n"
	for id, s := range registry {
		out += fmt.Sprintf("  - %s: %s\n", id, s.Description)
	}
	out += fmt.Sprintf("  - %s: 文档被拆分为多个子文档\n", Splitted)
	out += fmt.Sprintf("  - %s: 无法归入以上任何类型\n", OtherUnclassified)
	out += fmt.Sprintf("  - %s: 与本系统处理目的无关\n", OtherIrrelevant)
	return out
}
