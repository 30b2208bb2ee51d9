package risk

import "strings"

// Resources 是危机求助资源。
type Resources struct {
	Hotlines  []string `json:"hotlines"`
	Emergency string   `json:"emergency"`
}

const primaryHotline = "400-161-9995"

// DefaultResources 返回内置热线列表。
func DefaultResources() Resources {
	return Resources{
		Hotlines: []string{
			"全国心理危机干预热线：" + primaryHotline,
			"北京危机干预热线：" + primaryHotline,
			"上海心理援助热线：021-34289888",
			"广州心理危机干预热线：020-81899120",
		},
		Emergency: "如果情况紧急，请立即拨打120急救电话或前往最近的医院急诊科",
	}
}

var recommendations = map[Tier][]string{
	Critical: {
		"立即联系专业心理危机干预热线",
		"建议寻求紧急心理医疗帮助",
		"联系家人或朋友陪伴",
		"移除可能的自伤工具",
		"全国心理危机干预热线：" + primaryHotline,
	},
	High: {
		"建议尽快寻求专业心理咨询",
		"联系信任的朋友或家人",
		"考虑预约心理医生",
		"保持规律作息和适度运动",
		"心理援助热线：" + primaryHotline,
	},
	Medium: {
		"建议寻求心理咨询支持",
		"与朋友或家人分享感受",
		"尝试放松技巧如深呼吸",
		"保持健康的生活方式",
	},
	Low: {
		"注意情绪变化",
		"尝试运动或其他放松活动",
		"与他人交流分享",
		"如情况持续请寻求帮助",
	},
	None: {
		"继续保持积极的心态",
	},
}

// Recommendations 返回该等级的建议文本副本。
func Recommendations(t Tier) []string {
	recs, ok := recommendations[t]
	if !ok {
		recs = recommendations[Medium]
	}
	return append([]string(nil), recs...)
}

// FailSafeMessage 是分级失败时返回给用户的固定提示。
const FailSafeMessage = "我检测到可能存在安全风险，建议您联系专业的心理健康服务。如果情况紧急，请拨打心理危机干预热线：" + primaryHotline

// SafetyResponse 生成需要干预时的安全回复，始终包含热线。
func SafetyResponse(t Tier, res Resources) string {
	if t < High {
		return FailSafeMessage
	}
	var b strings.Builder
	b.WriteString("我非常关心您的安全。请立即联系专业帮助：\n\n")
	b.WriteString(res.Emergency)
	b.WriteString("\n\n心理危机干预热线：\n")
	b.WriteString(strings.Join(res.Hotlines, "\n"))
	return b.String()
}
