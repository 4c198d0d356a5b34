package classify

import (
	"fmt"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultCategories returns the built-in category table, seeded into a new
// database. The catch-all comes last.
func DefaultCategories() []Category {
	return []Category{
		{Name: "餐費", Keywords: []string{"餐廳", "小吃", "咖啡", "便當", "火鍋", "燒烤", "飲料", "麥當勞", "肯德基", "星巴克", "85度C"}, AccountCode: "5600", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 1000},
		{Name: "交通費", Keywords: []string{"加油", "停車", "高鐵", "計程車", "捷運", "公車", "機票", "台鐵", "客運", "Uber"}, AccountCode: "5700", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 1000},
		{Name: "辦公用品", Keywords: []string{"文具", "紙張", "印表機", "電腦", "筆", "資料夾", "誠品", "金石堂"}, AccountCode: "5400", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 2000},
		{Name: "軟體服務", Keywords: []string{"訂閱", "SaaS", "Office", "Adobe", "Google", "AWS", "Microsoft", "Apple"}, AccountCode: "5800", TaxDeductible: true, RequiresReceipt: true, RequiresApproval: true, ApprovalLimit: 5000},
		{Name: "設備採購", Keywords: []string{"電腦", "螢幕", "鍵盤", "滑鼠", "椅子", "桌子", "3C", "燦坤", "全國電子"}, AccountCode: "1510", TaxDeductible: true, RequiresReceipt: true, RequiresApproval: true, ApprovalLimit: 10000},
		{Name: "購物", Keywords: []string{"百貨", "量販", "家樂福", "全聯", "好市多", "大潤發", "購物"}, AccountCode: "5900", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 3000},
		{Name: "醫療費用", Keywords: []string{"藥局", "醫院", "診所", "健保", "醫療", "康是美", "屈臣氏"}, AccountCode: "5900", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 2000},
		{Name: "娛樂費用", Keywords: []string{"電影", "KTV", "遊戲", "娛樂", "威秀", "國賓"}, AccountCode: "5900", RequiresReceipt: true, ApprovalLimit: 1000},
		{Name: "租金水電", Keywords: []string{"水電", "電話", "網路", "房租", "租金"}, AccountCode: "5300", TaxDeductible: true, RequiresReceipt: true},
		{Name: "薪資費用", Keywords: []string{"薪水", "薪資", "獎金", "勞保", "健保"}, AccountCode: "5200", TaxDeductible: true, RequiresApproval: true},
		{Name: "差旅費用", Keywords: []string{"出差", "住宿", "飯店", "旅館"}, AccountCode: "5500", TaxDeductible: true, RequiresReceipt: true, RequiresApproval: true, ApprovalLimit: 5000},
		{Name: "銀行手續費", Keywords: []string{"銀行", "手續費", "匯款", "轉帳"}, AccountCode: "5900", TaxDeductible: true},
		{Name: DefaultCatchAll, Keywords: []string{"清潔", "維修", "郵資", "快遞"}, AccountCode: "5900", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 1000},
	}
}

// fileConfig is the layout of a categories file.
type fileConfig struct {
	CatchAll   string     `koanf:"catch_all"`
	Categories []Category `koanf:"categories"`
}

// LoadFile reads a JSON categories file of the form
//
//	{"catch_all": "雜費", "categories": [{"name": "餐費", "keywords": ["咖啡"]}]}
//
// and returns the categories in file order along with the catch-all name.
func LoadFile(path string) ([]Category, string, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, "", fmt.Errorf("loading categories file: %w", err)
	}

	var cfg fileConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, "", fmt.Errorf("decoding categories file: %w", err)
	}
	if len(cfg.Categories) == 0 {
		return nil, "", fmt.Errorf("categories file %s has no categories", path)
	}
	for i, c := range cfg.Categories {
		if c.Name == "" {
			return nil, "", fmt.Errorf("category %d has no name", i)
		}
	}
	return cfg.Categories, cfg.CatchAll, nil
}
