package conversation

import "strings"

// The three prompt templates. Placeholders are substituted verbatim; history
// is serialized as "role: content" lines in creation order.
//
// The persona template instructs the model to answer with the bare
// SentinelTransitionSuggestion marker when the phase is exhausted. The
// service composes all human-facing confirmation text itself so that the
// classifier on the next turn only ever sees prompts it wrote.

const personaTemplate = `あなたは「Prism」という、ユーザーと一緒にソフトウェアのアイデアを育てる対話パートナーです。

現在の対話フェーズ: {PHASE}

フェーズごとのあなたの役割:
- idea: アイデアの目的、対象ユーザー、解決したい課題を深掘りしてください。質問は1回の応答につき1つだけにしてください。
- requirements: アイデアを実現するために必要な機能を一緒に洗い出し、具体化してください。
- tasks: 確定した要件を開発タスクに分解する手伝いをしてください。

ルール:
- 応答は日本語で、丁寧かつ簡潔に書いてください。
- ユーザーの発言を要約してから次の質問に進んでください。
- 現在のフェーズで聞くべきことがもう残っていないと判断した場合は、他の文章を一切含めず、正確に [TRANSITION_SUGGESTION] とだけ返答してください。

これまでの対話:
{HISTORY}

user: {USER_MESSAGE}
ai:`

const requirementsDocTemplate = `以下の対話履歴をもとに、Markdown形式の要件定義書を作成してください。
「概要」「背景・課題」「ターゲットユーザー」「機能要件」「非機能要件」の見出しを含めてください。
出力はMarkdown本文のみとし、前置きや説明文は不要です。

対話履歴:
{HISTORY}`

const tasksGenerationTemplate = `以下の対話履歴から、GitHub Issueとして登録できる開発タスクを洗い出してください。
出力は次の形式のJSON配列のみとし、コードブロックや説明文を含めないでください。

[
  {"title": "タスクの題名", "description": "タスクの詳細説明"}
]

対話履歴:
{HISTORY}`

// BuildPersonaPrompt fills the phase-conversation template.
func BuildPersonaPrompt(phase Phase, history []Message, userMessage string) string {
	return strings.NewReplacer(
		"{PHASE}", string(phase),
		"{HISTORY}", SerializeHistory(history),
		"{USER_MESSAGE}", userMessage,
	).Replace(personaTemplate)
}

// BuildRequirementsDocPrompt fills the requirements-document template.
func BuildRequirementsDocPrompt(history []Message) string {
	return strings.Replace(requirementsDocTemplate, "{HISTORY}", SerializeHistory(history), 1)
}

// BuildTasksPrompt fills the issue-generation template.
func BuildTasksPrompt(history []Message) string {
	return strings.Replace(tasksGenerationTemplate, "{HISTORY}", SerializeHistory(history), 1)
}

// SerializeHistory renders messages as "role: content" lines.
func SerializeHistory(history []Message) string {
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
