package llms

import "github.com/TanyuSylvain/unify-llm/pkg/config"

// catalog is the static model table per provider family. Registration
// happens once at process start; families with missing API keys never
// reach the registry.
var catalog = map[string][]ModelInfo{
	config.FamilyMistral: {
		{ModelID: "mistral-large-latest", ModelName: "Mistral Large",
			Description: "Mistral's flagship general model", SupportsJSONMode: true},
		{ModelID: "mistral-small-latest", ModelName: "Mistral Small",
			Description: "Fast, low-cost Mistral model", SupportsJSONMode: true},
	},
	config.FamilyQwen: {
		{ModelID: "qwen-max", ModelName: "Qwen Max",
			Description: "Strongest Qwen model", SupportsJSONMode: true},
		{ModelID: "qwen-plus", ModelName: "Qwen Plus",
			Description: "Balanced Qwen model with optional thinking",
			SupportsThinking: true, SupportsJSONMode: true},
		{ModelID: "qwen-turbo", ModelName: "Qwen Turbo",
			Description: "Fast Qwen model with optional thinking",
			SupportsThinking: true, SupportsJSONMode: true},
	},
	config.FamilyGLM: {
		{ModelID: "glm-4.5", ModelName: "GLM-4.5",
			Description: "Zhipu flagship with hybrid reasoning",
			SupportsThinking: true, SupportsJSONMode: true},
		{ModelID: "glm-4.5-air", ModelName: "GLM-4.5 Air",
			Description: "Lightweight GLM with hybrid reasoning",
			SupportsThinking: true, SupportsJSONMode: true},
	},
	config.FamilyMiniMax: {
		{ModelID: "MiniMax-M1", ModelName: "MiniMax M1",
			Description:      "MiniMax reasoning model, thinking always on",
			SupportsThinking: true, ThinkingLocked: true},
		{ModelID: "MiniMax-Text-01", ModelName: "MiniMax Text 01",
			Description: "MiniMax general text model", SupportsJSONMode: true},
	},
	config.FamilyDeepSeek: {
		{ModelID: "deepseek-chat", ModelName: "DeepSeek Chat",
			Description: "DeepSeek-V3 general model", SupportsJSONMode: true},
		{ModelID: "deepseek-reasoner", ModelName: "DeepSeek Reasoner",
			Description:      "DeepSeek-R1 reasoning model, thinking always on",
			SupportsThinking: true, ThinkingLocked: true},
	},
	config.FamilyOpenAI: {
		{ModelID: "gpt-4o", ModelName: "GPT-4o",
			Description: "OpenAI flagship multimodal model", SupportsJSONMode: true},
		{ModelID: "gpt-4o-mini", ModelName: "GPT-4o mini",
			Description: "Fast, low-cost OpenAI model", SupportsJSONMode: true},
	},
	config.FamilyGemini: {
		{ModelID: "gemini-2.5-pro", ModelName: "Gemini 2.5 Pro",
			Description:      "Google's strongest reasoning model",
			SupportsThinking: true, SupportsJSONMode: true},
		{ModelID: "gemini-2.5-flash", ModelName: "Gemini 2.5 Flash",
			Description:      "Fast Gemini model with optional thinking",
			SupportsThinking: true, SupportsJSONMode: true},
	},
}
