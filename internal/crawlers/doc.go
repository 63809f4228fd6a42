// Package crawlers 提供登记信息查询引擎、站点适配器和发售日历爬取功能
//
// # 概述
//
// crawlers包负责单条记录的查询与匹配: 在目标站点上搜索游戏名称,按当前筛选视图读取
// 结果数量与结果行,再按运营方/名称规则选出著作权人。站点相关的DOM操作全部隔离在
// TargetAdapter 之后,引擎本身不依赖任何页面结构。
//
// # 核心组件
//
// ## Engine
//
// 单条记录的处理流程:
//   - 会话内第一条记录通过URL直接搜索,之后使用页面搜索框(全选+删除清空),失败回退URL
//   - 搜索失败只标记该记录需复核,不计入反爬计数
//   - 按 FilterViewState 做筛选视图协调,结果决定下一条记录的视图状态
//   - 任何反爬暂停后视图状态回到未筛选
//
//	engine := NewEngine(adapter, guard, EngineOptions{UseFilters: true}, recorder)
//	result, err := engine.Process(ctx, record)
//
// ## AntiBotGuard
//
// 连续提取失败计数,达到阈值(默认3)后暂停并通过 HumanConfirmer 请求操作员处理。
// 任一成功操作都会清零计数。
//
// ## RodAdapter
//
// 基于 SiteProfile 选择器配置的go-rod适配器。页面注入stealth脚本并带上配置的请求头,
// 页面内容通过goquery解析。
//
// ## CalendarCrawler
//
// 基于Colly的发售日历爬取器,按"下一页"链接顺序翻页,支持br/gzip/deflate响应,
// 按名称+日期去重。结果可直接作为匹配输入。
package crawlers
