package ledger

import (
	"github.com/google/uuid"
)

// Fallback category attributes, used when a partition has nothing to
// attach an incoming transaction to.
const (
	FallbackCategoryName  = "Others"
	FallbackCategoryIcon  = "ellipsis.circle.fill"
	FallbackCategoryColor = "gray"
)

type categorySeed struct {
	name, englishName, icon, color string
}

var expenseSeeds = []categorySeed{
	{"餐饮", "Food", "fork.knife", "orange"},
	{"交通", "Transport", "car.fill", "blue"},
	{"购物", "Shopping", "bag.fill", "pink"},
	{"娱乐", "Entertainment", "gamecontroller.fill", "purple"},
	{"住房", "Housing", "house.fill", "brown"},
	{"医疗", "Health", "cross.case.fill", "red"},
}

var incomeSeeds = []categorySeed{
	{"工资", "Salary", "banknote.fill", "green"},
	{"奖金", "Bonus", "gift.fill", "yellow"},
	{"投资", "Investment", "chart.line.uptrend.xyaxis", "teal"},
}

// DefaultCategories returns a freshly minted set of seed categories for a
// new ledger. Every call produces new IDs.
func DefaultCategories(kind TransactionType) []Category {
	seeds := expenseSeeds
	if kind == TypeIncome {
		seeds = incomeSeeds
	}
	out := make([]Category, 0, len(seeds)+1)
	for _, s := range seeds {
		out = append(out, Category{
			ID:          uuid.New(),
			Name:        s.name,
			EnglishName: s.englishName,
			Icon:        s.icon,
			Color:       s.color,
			Type:        kind,
		})
	}
	return append(out, FallbackCategory(kind))
}

// fallbackNamespace scopes the name-based ids of fallback categories
var fallbackNamespace = uuid.MustParse("6f1c1a52-3b0e-4d57-9a43-0c7f3e8d2b61")

// FallbackCategory builds the generic catch-all category for kind. Its id is
// derived from kind, so every device mints the same one.
func FallbackCategory(kind TransactionType) Category {
	return Category{
		ID:          uuid.NewSHA1(fallbackNamespace, []byte(string(kind)+"/"+FallbackCategoryName)),
		Name:        FallbackCategoryName,
		EnglishName: FallbackCategoryName,
		Icon:        FallbackCategoryIcon,
		Color:       FallbackCategoryColor,
		Type:        kind,
	}
}
