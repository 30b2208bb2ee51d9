package ai

import (
	"strings"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
)

const (
	closingConsultationDistressed = "\n\n💙 请记住，您并不孤单。如果需要更专业的帮助，建议咨询专业的心理健康专家。"
	closingConsultation           = "\n\n如果您需要更专业的帮助，建议咨询专业的心理健康专家。"
	closingKnowledge              = "\n\n📚 希望这些信息对您有帮助。如有更多疑问，欢迎继续询问。"
	closingCrisis                 = "\n\n🆘 您的安全是最重要的。请立即寻求专业帮助或联系危机干预热线。"

	copingThreshold  = 0.7
	supportThreshold = 0.8
)

var copingTips = map[emotion.Label]string{
	emotion.Anxious: "\n\n💡 **即时缓解技巧**：\n• 尝试4-7-8呼吸法：吸气4秒，屏息7秒，呼气8秒\n• 进行5-4-3-2-1感官练习：说出5样看到的、4样听到的、3样摸到的、2样闻到的、1样尝到的",
	emotion.Sad:     "\n\n🌟 **情绪支持**：\n• 记住：你的感受是有效的，你不是一个人\n• 尝试每天做一件小事来照顾自己\n• 考虑联系信任的朋友或家人",
	emotion.Angry:   "\n\n🔥 **情绪管理**：\n• 暂停并深呼吸10次\n• 进行体育活动来释放能量\n• 用'我感到...'的方式表达感受",
}

const professionalSupport = "\n\n📞 **专业支持**：\n• 心理咨询热线：400-161-9995\n• 如果感到无法应对，请考虑寻求专业心理咨询师的帮助"

// closingFor 返回按意图与情绪追加的结尾。
func closingFor(label intent.Label, decision emotion.Decision) string {
	switch label {
	case intent.Consultation:
		if decision.Distressed() {
			return closingConsultationDistressed
		}
		return closingConsultation
	case intent.Knowledge:
		return closingKnowledge
	case intent.Crisis:
		return closingCrisis
	default:
		return ""
	}
}

// enhanceWithResources 按情绪强度追加缓解技巧与专业支持信息。
func enhanceWithResources(text string, decision emotion.Decision) string {
	var b strings.Builder
	b.WriteString(text)
	if decision.Intensity > copingThreshold {
		b.WriteString(copingTips[decision.Emotion])
	}
	if decision.Intensity > supportThreshold {
		b.WriteString(professionalSupport)
	}
	return b.String()
}
