package conversation

import "regexp"

// Sentinel strings crossing the API boundary. These are exact-match contracts
// with the model prompt and the presentation layer; do not reword them.
const (
	// SentinelTransitionSuggestion is what the model replies, verbatim and
	// alone, when it judges the current phase has no questions left. The
	// service, not the model, composes the human-facing confirmation.
	SentinelTransitionSuggestion = "[TRANSITION_SUGGESTION]"
	// SentinelShowRepositorySelection prefixes a message body to tell the
	// extension UI to open its repository picker. Not interpreted further
	// here.
	SentinelShowRepositorySelection = "[SHOW_REPOSITORY_SELECTION]"
)

// Canned conversation texts. The confirmation texts double as auto-suggested
// transitions; their kind tag is what the next turn's classification keys on.
const (
	confirmRequirementsText = "ありがとうございます。アイデアの輪郭が見えてきましたね！\n次の「要件定義」フェーズに進み、具体的な機能を一緒に考えていきませんか？"
	confirmTasksText        = "機能要件がかなり具体的になりましたね！素晴らしいです。\nこれを元に、開発タスクを洗い出す**「タスク化」**フェーズに進んでもよろしいですか？"

	stayInPhaseText = "承知いたしました。では、もう少し現在のフェーズについてお話ししましょう。他に何か追加したいことや、修正したい点はありますか？"

	firstQuestionRequirementsText = "ありがとうございます。では、このアプリに必要な機能を一緒に考えていきましょう。まずは思いつくままに、どんな機能が欲しいかリストアップしてもらえますか？"

	proceedRegistrationText = "ありがとうございます。では、GitHubリポジトリの選択に進みましょう。準備ができたらリポジトリ名を教えてください。"
	reviseRegistrationText  = "承知しました。Issue登録は保留します。修正したい点を教えてください。"
	reviseArtifactText      = "承知しました。要件定義書のどこを修正したいですか？"

	issueGenerationFailedText   = "Issue案の生成に失敗しました。少し時間が経過してから、もう一度お試しください。"
	requirementsDocFailedText   = "申し訳ありません、要件定義書の生成中にエラーが発生しました。先にIssue案の生成に進みますか？"
	quotaApologyText            = "申し訳ありません。現在アクセスが集中していて応答を生成できませんでした。しばらく時間をおいてから、もう一度お試しください。"
	unexpectedTransitionText    = "このメッセージが表示されることはありません。表示されましたら、製作者にお伝えください。"
	requirementsDocPreambleText = "ここまでの対話を基に、要件定義書を作成しました。\n\n"
	requirementsDocConfirmText  = "\n\nこの内容でよろしければ、Issue案を生成します。よろしいですか？"
	issueListPreambleText       = "要件定義書をもとに、以下のGitHub Issue案を生成しました。\n\n"
	issueListConfirmText        = "\n\nこの内容でよろしければ、GitHubリポジトリを選択してIssue登録に進みます。よろしいですか？"
)

// Affirmative and negative discourse markers, Japanese and English. An
// utterance matching neither is treated as ordinary content so an ambiguous
// reply never blocks the conversation.
var (
	positiveRe = regexp.MustCompile(`(?i)はい|OK|お願い|進めて|いいです|わかった|了解|うん|ええ|賛成|ぜひ|おねがい|おk|y(es)?`)
	negativeRe = regexp.MustCompile(`(?i)いいえ|やめ|不要|戻|no|嫌|いえ|いや|保留|まだ`)
)

func isPositive(s string) bool { return positiveRe.MatchString(s) }
func isNegative(s string) bool { return negativeRe.MatchString(s) }

// Auto-suggestion thresholds: user turns spent within the current phase
// before the service proposes the next one on its own, without consulting the
// model. Turns from earlier phases do not count.
const (
	autoSuggestIdeaTurns         = 4
	autoSuggestRequirementsTurns = 8
	// autoSuggestBackoffWindow is how many recent messages a declined
	// transition suppresses re-suggestion for.
	autoSuggestBackoffWindow = 4
)

// ActionType enumerates what the state machine decided for this turn.
type ActionType int

const (
	// ActionContinue defers to prompt building and a gateway call.
	ActionContinue ActionType = iota
	// ActionStay keeps the phase after a declined transition.
	ActionStay
	// ActionAdvance moves to the next phase.
	ActionAdvance
	// ActionRevise invites corrections to a pending artifact.
	ActionRevise
	// ActionProceedRegistration hands off to the repository-selection UI.
	ActionProceedRegistration
	// ActionRegenerate re-runs issue generation over current history.
	ActionRegenerate
	// ActionAutoSuggest proposes a transition based on turn counts alone.
	ActionAutoSuggest
)

// Action is the state machine's verdict for one user turn. Message and Kind
// carry the canned AI reply for actions that short-circuit the gateway.
type Action struct {
	Type      ActionType
	NextPhase Phase
	Message   string
	Kind      Kind
}

// Decide classifies the newest user message against the session snapshot and
// picks the next action. It is pure: persistence side effects (phase update,
// reply append) belong to the caller.
//
// The snapshot is expected to already contain the just-persisted user turn.
func Decide(snap *Snapshot, userMessage string) Action {
	pending := pendingConfirmation(snap)

	switch pending {
	case KindPhaseConfirm:
		if isPositive(userMessage) {
			if next, ok := snap.Session.Phase.Next(); ok {
				return Action{Type: ActionAdvance, NextPhase: next}
			}
		} else if isNegative(userMessage) {
			return Action{Type: ActionStay, Message: stayInPhaseText, Kind: KindPhaseDeclined}
		}
		// Ambiguous reply: fall through to the normal flow.
	case KindIssueConfirm:
		if isPositive(userMessage) {
			return Action{
				Type:    ActionProceedRegistration,
				Message: SentinelShowRepositorySelection + proceedRegistrationText,
				Kind:    KindPlain,
			}
		}
		if isNegative(userMessage) {
			return Action{Type: ActionRevise, Message: reviseRegistrationText, Kind: KindPlain}
		}
	case KindArtifactConfirm:
		if isPositive(userMessage) {
			return Action{Type: ActionRegenerate}
		}
		if isNegative(userMessage) {
			return Action{Type: ActionRevise, Message: reviseArtifactText, Kind: KindPlain}
		}
	}

	if pending == "" {
		if next, ok := shouldAutoSuggest(snap); ok {
			return Action{
				Type:      ActionAutoSuggest,
				NextPhase: next,
				Message:   ConfirmationTextFor(next),
				Kind:      KindPhaseConfirm,
			}
		}
	}

	return Action{Type: ActionContinue}
}

// pendingConfirmation returns the confirmation kind of the AI turn directly
// preceding the current user turn, or "" when nothing is awaiting an answer.
func pendingConfirmation(snap *Snapshot) Kind {
	// The newest message is the current user turn; the one before it is the
	// AI turn whose kind we care about.
	if len(snap.Messages) < 2 {
		return ""
	}
	prev := snap.Messages[len(snap.Messages)-2]
	if prev.Role != RoleAI {
		return ""
	}
	switch prev.Kind {
	case KindPhaseConfirm, KindIssueConfirm, KindArtifactConfirm:
		return prev.Kind
	}
	return ""
}

// shouldAutoSuggest reports whether this turn should propose the next phase
// without consulting the model: enough user turns spent, a next phase exists,
// and no transition was declined within the recent backoff window.
func shouldAutoSuggest(snap *Snapshot) (Phase, bool) {
	next, ok := snap.Session.Phase.Next()
	if !ok {
		return "", false
	}

	var threshold int
	switch snap.Session.Phase {
	case PhaseIdea:
		threshold = autoSuggestIdeaTurns
	case PhaseRequirements:
		threshold = autoSuggestRequirementsTurns
	default:
		return "", false
	}

	// The current user turn is already in the snapshot; thresholds count the
	// turns before it, and only those spent in the current phase.
	if snap.UserTurnsInPhase(snap.Session.Phase)-1 < threshold {
		return "", false
	}

	recent := snap.Messages
	if len(recent) > autoSuggestBackoffWindow {
		recent = recent[len(recent)-autoSuggestBackoffWindow:]
	}
	for _, m := range recent {
		if m.Kind == KindPhaseDeclined {
			return "", false
		}
	}

	return next, true
}

// ConfirmationTextFor returns the fixed confirmation prompt asking the user
// to enter the given phase. The text for an unknown target is a deliberate
// canary; it should never reach a user.
func ConfirmationTextFor(next Phase) string {
	switch next {
	case PhaseRequirements:
		return confirmRequirementsText
	case PhaseTasks:
		return confirmTasksText
	default:
		return unexpectedTransitionText
	}
}
