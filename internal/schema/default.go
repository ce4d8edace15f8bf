package schema

// CurrentVersion is the schema version the application opens.
const CurrentVersion = 14

// Store names.
const (
	Characters         = "characters"
	ChatHistory        = "chatHistory"
	Settings           = "settings"
	AvatarCache        = "avatarCache"
	APIConfigs         = "apiConfigs"
	WorldBooks         = "worldBooks"
	UserProfiles       = "userProfiles"
	CharacterMemories  = "characterMemories"
	FileStorage        = "fileStorage"
	FileReferences     = "fileReferences"
	ImageCache         = "imageCache"
	ThemeConfig        = "themeConfig"
	ImageUsageMetadata = "imageUsageMetadata"
	Presets            = "presets"
	PromptTemplates    = "promptTemplates"
	CharacterGroups    = "characterGroups"
)

// CredentialFields are stripped from apiConfigs records on every export.
var CredentialFields = []string{"apiKey", "secretKey", "accessToken", "refreshToken", "password", "token"}

var defaultRegistry = buildDefault()

// Default returns the application's schema registry, versions 1 through 14.
func Default() *Registry {
	return defaultRegistry
}

func buildDefault() *Registry {
	b := NewBuilder()
	b.Version(1).Add(
		StoreDescriptor{Name: Characters, KeyPath: "id"},
		StoreDescriptor{Name: ChatHistory, KeyPath: "id", AutoIncrement: true, Indexes: []IndexDescriptor{
			{Name: "characterId", KeyPath: "characterId"},
		}},
		StoreDescriptor{Name: Settings, KeyPath: "key"},
		StoreDescriptor{Name: AvatarCache, KeyPath: "key"},
	)
	b.Version(2).Add(StoreDescriptor{Name: APIConfigs, KeyPath: "id", Redact: CredentialFields})
	b.Version(3).Add(StoreDescriptor{Name: WorldBooks, KeyPath: "id", Indexes: []IndexDescriptor{
		{Name: "characterId", KeyPath: "characterId"},
	}})
	b.Version(4).Add(StoreDescriptor{Name: UserProfiles, KeyPath: "id"})
	b.Version(5).Add(StoreDescriptor{Name: CharacterMemories, KeyPath: "id", Indexes: []IndexDescriptor{
		{Name: "characterId", KeyPath: "characterId"},
		{Name: "createdAt", KeyPath: "createdAt"},
	}})
	b.Version(6).Add(
		StoreDescriptor{Name: FileStorage, KeyPath: "fileId", Indexes: []IndexDescriptor{
			{Name: "createdAt", KeyPath: "createdAt"},
			{Name: "type", KeyPath: "type"},
		}},
		StoreDescriptor{Name: FileReferences, KeyPath: "referenceId", Indexes: []IndexDescriptor{
			{Name: "fileId", KeyPath: "fileId"},
			{Name: "category", KeyPath: "category"},
		}},
	)
	b.Version(7).Remove(AvatarCache)
	b.Version(8).Add(StoreDescriptor{Name: ImageCache, KeyPath: "key"})
	b.Version(9).Add(StoreDescriptor{Name: ThemeConfig, KeyPath: "id"})
	b.Version(10).Add(StoreDescriptor{Name: ImageUsageMetadata, KeyPath: "fileId", Indexes: []IndexDescriptor{
		{Name: "usageType", KeyPath: "usageType"},
		{Name: "category", KeyPath: "category"},
		{Name: "createdAt", KeyPath: "createdAt"},
	}})
	b.Version(11).Add(StoreDescriptor{Name: Presets, KeyPath: "id", Indexes: []IndexDescriptor{
		{Name: "category", KeyPath: "category"},
	}})
	b.Version(12).Remove(ImageCache)
	b.Version(13).Add(StoreDescriptor{Name: PromptTemplates, KeyPath: "id"})
	b.Version(14).
		Add(StoreDescriptor{Name: CharacterGroups, KeyPath: "id"}).
		AddIndex(ChatHistory, IndexDescriptor{Name: "updatedAt", KeyPath: "updatedAt"})
	return b.MustBuild()
}
